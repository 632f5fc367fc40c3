package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"opflow/contract"
)

const (
	defaultSSHPort    = 22
	defaultSSHTimeout = 15 * time.Second
)

// RemoteConfig 远程数据源(sftp)配置
type RemoteConfig struct {
	User           string        `yaml:"user"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	KnownHostsPath string        `yaml:"known_hosts_path"` // empty skips host key checks
	Timeout        time.Duration `yaml:"timeout"`
}

// remoteTarget is one parsed sftp:// resource.
type remoteTarget struct {
	Host string
	Port int
	User string
	Path string
}

type remoteFileClient interface {
	Download(remotePath string, w io.Writer) (int64, error)
	Close() error
}

type remoteClientFactory interface {
	New(target remoteTarget, config RemoteConfig) (remoteFileClient, error)
}

// RemoteSession reads sftp:// datasets and hands everything else to the
// local session. Results are always materialized locally.
type RemoteSession struct {
	*LocalSession
	config  RemoteConfig
	factory remoteClientFactory
	logger  *zap.Logger

	insecureOnce sync.Once
}

// NewRemoteSession 创建支持 sftp 的会话
func NewRemoteSession(local *LocalSession, config RemoteConfig, logger *zap.Logger) *RemoteSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultSSHTimeout
	}
	return &RemoteSession{
		LocalSession: local,
		config:       config,
		factory:      sshSFTPClientFactory{},
		logger:       logger.Named("remote"),
	}
}

// ReadCSV 读取CSV资源, sftp:// 资源经 ssh 下载
func (s *RemoteSession) ReadCSV(ctx context.Context, resource string) (*Dataset, error) {
	if !strings.HasPrefix(strings.ToLower(resource), "sftp://") {
		return s.LocalSession.ReadCSV(ctx, resource)
	}
	if err := ctx.Err(); err != nil {
		return nil, contract.NewErrorWith(contract.Execution, "read cancelled", err)
	}
	target, err := parseRemoteTarget(resource, s.config.User)
	if err != nil {
		return nil, err
	}

	if s.config.KnownHostsPath == "" {
		s.insecureOnce.Do(func() {
			s.logger.Warn("known_hosts_path is not set, sftp host keys are not verified",
				zap.String("host", target.Host))
		})
	}

	start := time.Now()
	client, err := s.factory.New(target, s.config)
	if err != nil {
		return nil, contract.NewErrorWith(contract.Execution, fmt.Sprintf("connect %s", target.Host), err)
	}
	// closing the client aborts a download that outlives ctx
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer func() {
		if !stop() {
			return
		}
		if closeErr := client.Close(); closeErr != nil {
			s.logger.Warn("close sftp client", zap.String("host", target.Host), zap.Error(closeErr))
		}
	}()

	var buf bytes.Buffer
	n, err := client.Download(target.Path, &buf)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, contract.NewErrorWith(contract.Execution, "read cancelled", ctxErr)
	}
	if err != nil {
		return nil, contract.NewErrorWith(contract.DataSource, fmt.Sprintf("download %s", redact(resource)), err)
	}
	ds, err := ParseCSV(&buf)
	if err != nil {
		return nil, contract.NewErrorWith(contract.Execution, fmt.Sprintf("load %s", redact(resource)), err)
	}

	s.statsLock.Lock()
	s.stats.RowsRead += int64(ds.Len())
	s.statsLock.Unlock()

	s.logger.Debug("remote csv loaded",
		zap.String("host", target.Host),
		zap.String("path", target.Path),
		zap.Int64("bytes", n),
		zap.Int("rows", ds.Len()),
		zap.Duration("cost", time.Since(start)))
	return ds, nil
}

func parseRemoteTarget(resource, defaultUser string) (remoteTarget, error) {
	u, err := url.Parse(resource)
	if err != nil || u.Hostname() == "" {
		return remoteTarget{}, contract.NewErrorf(contract.InvalidInput, "malformed sftp url %q", redact(resource))
	}
	target := remoteTarget{Host: u.Hostname(), Port: defaultSSHPort, User: defaultUser}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return remoteTarget{}, contract.NewErrorf(contract.InvalidInput, "bad port in sftp url %q", redact(resource))
		}
		target.Port = port
	}
	if name := u.User.Username(); name != "" {
		target.User = name
	}
	if target.User == "" {
		return remoteTarget{}, contract.NewErrorf(contract.InvalidInput, "sftp url %q names no user", redact(resource))
	}
	target.Path = path.Clean("/" + strings.TrimPrefix(u.Path, "/"))
	if target.Path == "/" {
		return remoteTarget{}, contract.NewErrorf(contract.InvalidInput, "sftp url %q names no file", redact(resource))
	}
	return target, nil
}

// redact drops any password embedded in a url before it reaches logs or
// run info.
func redact(resource string) string {
	u, err := url.Parse(resource)
	if err != nil {
		return resource
	}
	return u.Redacted()
}

type sshSFTPClientFactory struct{}

func (sshSFTPClientFactory) New(target remoteTarget, config RemoteConfig) (remoteFileClient, error) {
	return newSSHSFTPClient(target, config)
}

type sshSFTPClient struct {
	sshClient  *ssh.Client
	sftpClient *sftp.Client
}

func newSSHSFTPClient(target remoteTarget, config RemoteConfig) (*sshSFTPClient, error) {
	if strings.TrimSpace(config.PrivateKeyPath) == "" {
		return nil, fmt.Errorf("ssh private key path is required")
	}
	keyBytes, err := os.ReadFile(config.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key failed: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key failed: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsPath != "" {
		if hostKeyCallback, err = knownhosts.New(config.KnownHostsPath); err != nil {
			return nil, fmt.Errorf("load known hosts failed: %w", err)
		}
	}

	clientConfig := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	}
	address := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	sshClient, err := ssh.Dial("tcp", address, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("dial ssh failed: %w", err)
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("create sftp client failed: %w", err)
	}
	return &sshSFTPClient{sshClient: sshClient, sftpClient: sftpClient}, nil
}

func (c *sshSFTPClient) Download(remotePath string, w io.Writer) (int64, error) {
	src, err := c.sftpClient.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("open remote file failed: %w", err)
	}
	defer src.Close()
	return io.Copy(w, src)
}

func (c *sshSFTPClient) Close() error {
	var firstErr error
	if err := c.sftpClient.Close(); err != nil {
		firstErr = err
	}
	if err := c.sshClient.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
