package storage

import (
	"fmt"

	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"dropxfer/pkg/config"
	"dropxfer/pkg/logger"
	"dropxfer/pkg/s3"
)

type SessionFactory struct {
	logger *logger.Logger
}

func NewSessionFactory(l *logger.Logger) *SessionFactory {
	if l == nil {
		l = logger.Default()
	}
	return &SessionFactory{logger: l}
}

func (f *SessionFactory) Create(cfg *config.SessionConfig) (Session, error) {
	switch cfg.Type {
	case "s3":
		return f.CreateS3Session(cfg.S3)
	case "sftp":
		return f.CreateSFTPSession(cfg.SFTP)
	default:
		return nil, fmt.Errorf("unsupported session type: %s", cfg.Type)
	}
}

func (f *SessionFactory) CreateS3Session(cfg *config.S3Config) (Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("S3 configuration is required")
	}

	client, sess, err := s3.CreateS3Client(cfg)
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return NewS3Session(client, s3manager.NewUploader(sess), cfg), nil
}

func (f *SessionFactory) CreateSFTPSession(cfg *config.SFTPConfig) (Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("SFTP configuration is required")
	}
	return NewSFTPSession(cfg, f.logger), nil
}

// NewBridgeFromConfig opens every configured session and the local filesystem.
func NewBridgeFromConfig(cfg *config.Config, l *logger.Logger) (*Bridge, error) {
	factory := NewSessionFactory(l)
	bridge := NewBridge(NewLocalSession(cfg.Transfer.LocalRoot), cfg.Transfer.TempDir, l)

	for i := range cfg.Sessions {
		sc := &cfg.Sessions[i]
		session, err := factory.Create(sc)
		if err != nil {
			_ = bridge.Close()
			return nil, fmt.Errorf("create session %s: %w", sc.ID, err)
		}
		bridge.AddSession(sc.ID, session)
		bridge.logger.Info("session registered", map[string]any{
			"session_id": sc.ID,
			"type":       sc.Type,
		})
	}
	return bridge, nil
}
