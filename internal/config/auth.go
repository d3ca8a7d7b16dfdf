package config

import "golang.org/x/crypto/bcrypt"

func VerifyAuth(username, password string) bool {
	return Get().VerifyAuth(username, password)
}

// VerifyAuth compares password against the bcrypt hash stored in auth.json.
func (c *Config) VerifyAuth(username, password string) bool {
	if username == "" {
		return false
	}
	auth := c.GetAuth()
	if auth == nil {
		return false
	}
	if username != auth.Username {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(auth.Password), []byte(password))
	return err == nil
}

// SetCredentials stores username with a bcrypt hash of password.
func (c *Config) SetCredentials(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return c.SaveAuth(&Auth{Username: username, Password: string(hash)})
}
