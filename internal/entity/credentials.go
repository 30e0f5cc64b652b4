package entity

import "time"

// Cookie is one session cookie for the search site.
type Cookie struct {
	Name   string `yaml:"name" json:"name"`
	Value  string `yaml:"value" json:"value"`
	Domain string `yaml:"domain" json:"domain"`
	Path   string `yaml:"path" json:"path"`
}

// Credentials is a logged-in browser session.
type Credentials struct {
	Cookies    []Cookie  `yaml:"cookies" json:"cookies"`
	UserAgent  string    `yaml:"user_agent" json:"user_agent"`
	ObtainedAt time.Time `yaml:"obtained_at" json:"obtained_at"`
}

// Age is how long ago the session was captured.
func (c *Credentials) Age(now time.Time) time.Duration {
	return now.Sub(c.ObtainedAt)
}
