package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFileDefaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, `
[[sessions]]
id = "nas"
type = "sftp"
  [sessions.sftp]
  host = "nas.local"
  username = "backup"
  password = "secret"
`))
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "info", cfg.Daemon.LogLevel)
	assert.Equal(t, 4, cfg.Daemon.Concurrency)
	assert.Equal(t, 16*time.Millisecond, cfg.Transfer.ProgressInterval())
	assert.Equal(t, 2, cfg.Transfer.MaxConcurrentBatches)
	assert.Equal(t, 240, cfg.Transfer.TaskTimeoutMinutes)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)

	session, ok := cfg.Session("nas")
	require.True(t, ok)
	assert.Equal(t, 22, session.SFTP.Port)
	assert.Equal(t, 30, session.SFTP.ConnectionTimeout)

	_, ok = cfg.Session("missing")
	assert.False(t, ok)
}

func TestLoadFromFileValidation(t *testing.T) {
	tests := []struct {
		name          string
		content       string
		expectedError string
	}{
		{
			name: "invalid log level",
			content: `
[daemon]
log_level = "verbose"
`,
			expectedError: "LogLevel",
		},
		{
			name: "sftp session without sftp section",
			content: `
[[sessions]]
id = "nas"
type = "sftp"
`,
			expectedError: "sftp configuration is required",
		},
		{
			name: "sftp session without credentials",
			content: `
[[sessions]]
id = "nas"
type = "sftp"
  [sessions.sftp]
  host = "nas.local"
  username = "backup"
`,
			expectedError: "either password or private key",
		},
		{
			name: "s3 session missing bucket",
			content: `
[[sessions]]
id = "bucket"
type = "s3"
  [sessions.s3]
  endpoint = "https://s3.example.com"
  access_key = "a"
  secret_key = "b"
`,
			expectedError: "Bucket",
		},
		{
			name: "unknown session type",
			content: `
[[sessions]]
id = "x"
type = "ftp"
`,
			expectedError: "Type",
		},
		{
			name: "duplicate session ids",
			content: `
[[sessions]]
id = "nas"
type = "sftp"
  [sessions.sftp]
  host = "a"
  username = "u"
  password = "p"

[[sessions]]
id = "nas"
type = "sftp"
  [sessions.sftp]
  host = "b"
  username = "u"
  password = "p"
`,
			expectedError: "duplicate session id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedError)
		})
	}
}

func TestLoadFromFileS3Defaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, `
[[sessions]]
id = "bucket"
type = "s3"
  [sessions.s3]
  endpoint = "https://s3.example.com"
  bucket = "drops"
  access_key = "a"
  secret_key = "b"
`))
	require.NoError(t, err)

	session, ok := cfg.Session("bucket")
	require.True(t, ok)
	assert.Equal(t, "us-east-1", session.S3.Region)
	assert.Equal(t, 3, session.S3.MaxRetries)
	assert.Equal(t, 4*60*60, session.S3.UploadTimeoutSeconds)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
