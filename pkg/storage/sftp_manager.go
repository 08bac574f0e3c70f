package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"dropxfer/pkg/config"
	"dropxfer/pkg/logger"
)

var errConnClosed = errors.New("connection was already closed")

// SFTPConnection defines the interface for SFTP connections
type SFTPConnection interface {
	GetClient() *sftp.Client
	GetReconnectCount() uint64
	Close() error
}

// SFTPManager hands out a shared SFTP connection that reconnects on disconnect
type SFTPManager interface {
	GetConnection(ctx context.Context) (SFTPConnection, error)
	Close() error
}

// SFTPConn is a wrapped *sftp.Client with reconnection capabilities
type SFTPConn struct {
	sync.Mutex
	sshConn    *ssh.Client
	sftpClient *sftp.Client
	shutdown   chan struct{}
	closed     bool
	broken     bool
	reconnects uint64
}

// GetClient returns the underlying *sftp.Client
func (s *SFTPConn) GetClient() *sftp.Client {
	s.Lock()
	defer s.Unlock()
	return s.sftpClient
}

// GetReconnectCount returns the number of times this connection has reconnected
func (s *SFTPConn) GetReconnectCount() uint64 {
	return atomic.LoadUint64(&s.reconnects)
}

func (s *SFTPConn) usable() bool {
	s.Lock()
	defer s.Unlock()
	return !s.closed && !s.broken
}

// Close closes the underlying connections
func (s *SFTPConn) Close() error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return errConnClosed
	}

	close(s.shutdown)
	s.closed = true
	if s.sftpClient != nil {
		_ = s.sftpClient.Close()
	}
	if s.sshConn != nil {
		return s.sshConn.Close()
	}
	return nil
}

// BasicSFTPManager implements SFTPManager for a single session
type BasicSFTPManager struct {
	conn      *SFTPConn
	config    *config.SFTPConfig
	logger    *logger.Logger
	connMutex sync.Mutex
}

func NewBasicSFTPManager(cfg *config.SFTPConfig, l *logger.Logger) *BasicSFTPManager {
	if l == nil {
		l = logger.Default()
	}
	return &BasicSFTPManager{
		config: cfg,
		logger: l,
	}
}

func (m *BasicSFTPManager) addr() string {
	return net.JoinHostPort(m.config.Host, strconv.Itoa(m.config.Port))
}

func (m *BasicSFTPManager) createSSHConfig() (*ssh.ClientConfig, error) {
	sshConfig := &ssh.ClientConfig{
		User:            m.config.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         time.Duration(m.config.ConnectionTimeout) * time.Second,
	}

	if m.config.PrivateKey != "" {
		key, err := ssh.ParsePrivateKey([]byte(m.config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		sshConfig.Auth = []ssh.AuthMethod{ssh.PublicKeys(key)}
	} else if m.config.Password != "" {
		sshConfig.Auth = []ssh.AuthMethod{ssh.Password(m.config.Password)}
	} else {
		return nil, fmt.Errorf("either password or private key must be provided")
	}

	return sshConfig, nil
}

func (m *BasicSFTPManager) connectSSH(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	sshConfig, err := m.createSSHConfig()
	if err != nil {
		return nil, nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, sshConfig.Timeout)
	defer cancel()

	conn, err := dialSSH(dialCtx, m.addr(), sshConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial ssh: %w", err)
	}

	sftpConn, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to initialize sftp subsystem: %w", err)
	}

	return conn, sftpConn, nil
}

// dialSSH performs the TCP dial and the SSH handshake, giving up when ctx ends. A
// handshake that finishes after ctx ended is closed.
func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	type handshake struct {
		client *ssh.Client
		err    error
	}
	done := make(chan handshake, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			done <- handshake{err: err}
			return
		}
		done <- handshake{client: ssh.NewClient(c, chans, reqs)}
	}()

	select {
	case res := <-done:
		return res.client, res.err
	case <-ctx.Done():
		_ = conn.Close()
		go func() {
			if res := <-done; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, context.Cause(ctx)
	}
}

// handleReconnects watches c and swaps in a fresh connection whenever the current one
// drops. A failed reconnect marks c broken so the next GetConnection dials again.
func (m *BasicSFTPManager) handleReconnects(c *SFTPConn) {
	for {
		c.Lock()
		sshConn := c.sshConn
		c.Unlock()

		closed := make(chan error, 1)
		go func() {
			closed <- sshConn.Wait()
		}()

		select {
		case <-c.shutdown:
			return
		case res := <-closed:
			fields := map[string]any{"host": m.config.Host, "port": m.config.Port}
			if res != nil {
				fields["error"] = res.Error()
			}
			m.logger.Warn("SFTP connection closed, reconnecting", fields)

			conn, sftpConn, err := m.connectSSH(context.Background())
			if err != nil {
				m.logger.Error("failed to reconnect SFTP", err, map[string]any{
					"host": m.config.Host,
					"port": m.config.Port,
				})
				c.Lock()
				c.broken = true
				c.Unlock()
				return
			}

			atomic.AddUint64(&c.reconnects, 1)
			c.Lock()
			if c.closed {
				c.Unlock()
				_ = sftpConn.Close()
				_ = conn.Close()
				return
			}
			c.sftpClient = sftpConn
			c.sshConn = conn
			c.Unlock()

			m.logger.Info("SFTP connection reconnected successfully", map[string]any{
				"host":            m.config.Host,
				"port":            m.config.Port,
				"reconnect_count": c.GetReconnectCount(),
			})
		}
	}
}

// GetConnection returns the live connection, dialing a new one when there is none or
// the previous one could not be recovered.
func (m *BasicSFTPManager) GetConnection(ctx context.Context) (SFTPConnection, error) {
	m.connMutex.Lock()
	defer m.connMutex.Unlock()

	if m.conn != nil && m.conn.usable() {
		return m.conn, nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	conn, sftpConn, err := m.connectSSH(ctx)
	if err != nil {
		return nil, err
	}

	wrapped := &SFTPConn{
		sshConn:    conn,
		sftpClient: sftpConn,
		shutdown:   make(chan struct{}),
	}
	go m.handleReconnects(wrapped)
	m.conn = wrapped

	return wrapped, nil
}

// Close closes the connection managed by this manager
func (m *BasicSFTPManager) Close() error {
	m.connMutex.Lock()
	defer m.connMutex.Unlock()

	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		return err
	}
	return nil
}
