package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// AuthToken is an on-disk credential cache. Wire it into a connection
// with ConnectionBuilder.WithCredentialCache: the cached token is sent on
// connect and every token the server issues is written back, so an
// identity survives process restarts.
type AuthToken struct {
	mu       sync.RWMutex
	token    string
	filePath string
}

const authTokenPrefix = "auth_token="

// AuthTokenOption is a functional option for configuring AuthToken
type AuthTokenOption func(*authTokenConfig)

type authTokenConfig struct {
	configFolder string
	configFile   string
	configRoot   string
	clientName   string
}

// WithAuthConfigFolder sets the folder to store the config file in
func WithAuthConfigFolder(folder string) AuthTokenOption {
	return func(c *authTokenConfig) {
		c.configFolder = folder
	}
}

// WithAuthConfigFile sets the name of the config file
func WithAuthConfigFile(file string) AuthTokenOption {
	return func(c *authTokenConfig) {
		c.configFile = file
	}
}

// WithAuthConfigRoot sets the root folder to store the config file in
func WithAuthConfigRoot(root string) AuthTokenOption {
	return func(c *authTokenConfig) {
		c.configRoot = root
	}
}

// WithAuthClientName keeps a separate token file per named client, so
// several identities can run against the same module from one machine.
func WithAuthClientName(name string) AuthTokenOption {
	return func(c *authTokenConfig) {
		c.clientName = name
	}
}

// NewAuthToken creates an AuthToken and loads any previously saved token.
// Defaults: file "settings.ini" inside ".spacetime_go_sdk" under the
// user's home directory. Nothing is written until SaveToken.
func NewAuthToken(options ...AuthTokenOption) (*AuthToken, error) {
	config := &authTokenConfig{
		configFolder: ".spacetime_go_sdk",
		configFile:   "settings.ini",
	}
	for _, option := range options {
		option(config)
	}

	if config.configRoot == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("could not get home directory: %w", err)
		}
		config.configRoot = homeDir
	}

	fileName := config.configFile
	if config.clientName != "" {
		if ext := filepath.Ext(fileName); ext != "" {
			fileName = fmt.Sprintf("%s_%s%s", strings.TrimSuffix(fileName, ext), config.clientName, ext)
		} else {
			fileName = fmt.Sprintf("%s_%s", fileName, config.clientName)
		}
	}

	at := &AuthToken{
		filePath: filepath.Join(config.configRoot, config.configFolder, fileName),
	}
	at.loadToken()
	return at, nil
}

// GetToken returns the cached token, empty if none was ever saved. An
// empty token makes the server mint a fresh identity.
func (at *AuthToken) GetToken() string {
	if at == nil {
		return ""
	}
	at.mu.RLock()
	defer at.mu.RUnlock()
	return at.token
}

// SaveToken writes the token to the cache file, replacing any previous
// auth_token line and keeping the rest of the file intact.
func (at *AuthToken) SaveToken(newToken string) error {
	if at == nil {
		return fmt.Errorf("AuthToken not initialized")
	}

	at.mu.Lock()
	defer at.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(at.filePath), 0755); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}

	var lines []string
	if data, err := os.ReadFile(at.filePath); err == nil {
		lines = strings.Split(string(data), "\n")
	}

	newAuthLine := authTokenPrefix + newToken
	found := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), authTokenPrefix) {
			lines[i] = newAuthLine
			found = true
			break
		}
	}
	if !found {
		lines = append(lines, newAuthLine)
	}

	content := strings.Join(lines, "\n")
	if err := os.WriteFile(at.filePath, []byte(content), 0600); err != nil {
		return fmt.Errorf("could not save token: %w", err)
	}

	at.token = newToken
	return nil
}

// GetFilePath returns the path where the auth token is stored (for debugging)
func (at *AuthToken) GetFilePath() string {
	if at == nil {
		return ""
	}
	at.mu.RLock()
	defer at.mu.RUnlock()
	return at.filePath
}

func (at *AuthToken) loadToken() {
	data, err := os.ReadFile(at.filePath)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, authTokenPrefix) {
			at.token = strings.TrimPrefix(line, authTokenPrefix)
			break
		}
	}
}
