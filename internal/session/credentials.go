package session

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Credential is one platform account.
type Credential struct {
	Account  string `yaml:"account"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type credentialsFile struct {
	Accounts []Credential `yaml:"accounts"`
}

// LoadCredentials reads platform accounts from a YAML file of the form
//
//	accounts:
//	  - account: primary
//	    username: jdoe
//	    password: ${WESTLAW_PASSWORD}
//
// Values are expanded against the environment.
func LoadCredentials(path string) ([]Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "session: read credentials %s", path)
	}
	return ParseCredentials(data)
}

// ParseCredentials decodes a credentials document.
func ParseCredentials(data []byte) ([]Credential, error) {
	var f credentialsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "session: parse credentials")
	}

	seen := make(map[string]bool, len(f.Accounts))
	out := make([]Credential, 0, len(f.Accounts))
	for i, c := range f.Accounts {
		c.Username = os.ExpandEnv(strings.TrimSpace(c.Username))
		c.Password = os.ExpandEnv(c.Password)
		c.Account = strings.TrimSpace(c.Account)
		if c.Account == "" {
			c.Account = c.Username
		}
		if c.Username == "" || c.Password == "" {
			return nil, eris.Errorf("session: account %d is missing username or password", i)
		}
		if seen[c.Account] {
			return nil, eris.Errorf("session: duplicate account %q", c.Account)
		}
		seen[c.Account] = true
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, eris.New("session: no accounts configured")
	}
	return out, nil
}
