package credential

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/user/weibo-harvester/internal/entity"
	"github.com/user/weibo-harvester/internal/repository"
)

// FileProvider reads the logged-in session from a YAML file. The file is
// read on every call so an operator can replace the cookies without a
// restart.
//
//	user_agent: Mozilla/5.0 ...
//	obtained_at: 2026-03-01T08:00:00Z
//	cookies:
//	  - name: SUB
//	    value: ...
//	    domain: .weibo.com
type FileProvider struct {
	path string
}

var _ repository.CredentialProvider = (*FileProvider)(nil)

// NewFileProvider creates a provider backed by path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Current returns the session in the file. When obtained_at is missing the
// file's modification time is used.
func (p *FileProvider) Current(_ context.Context) (*entity.Credentials, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var creds entity.Credentials
	if err := yaml.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file %s: %w", p.path, err)
	}
	if len(creds.Cookies) == 0 {
		return nil, errors.New("credentials file has no cookies")
	}
	for i, c := range creds.Cookies {
		if c.Name == "" {
			return nil, fmt.Errorf("cookie %d has no name", i)
		}
	}

	if creds.ObtainedAt.IsZero() {
		info, err := os.Stat(p.path)
		if err != nil {
			return nil, fmt.Errorf("stat credentials file: %w", err)
		}
		creds.ObtainedAt = info.ModTime()
	}
	creds.ObtainedAt = creds.ObtainedAt.UTC()
	return &creds, nil
}
