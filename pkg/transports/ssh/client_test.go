package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/prflow/prflow/pkg/engine"
)

// testSSHServer is a minimal SSH server answering exec requests.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	mu       sync.Mutex
	commands []string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		command := string(req.Payload[4:])
		if req.WantReply {
			_ = req.Reply(true, nil)
		}

		s.mu.Lock()
		s.commands = append(s.commands, command)
		s.mu.Unlock()

		var code uint32
		switch command {
		case "true":
		case "echo test":
			_, _ = channel.Write([]byte("test\n"))
		case "echo error >&2":
			_, _ = channel.Stderr().Write([]byte("error\n"))
		case "exit 3":
			code = 3
		default:
			_, _ = channel.Write([]byte("command: " + command + "\n"))
		}
		_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
		return
	}
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		_ = s.listener.Close()
	}
}

func (s *testSSHServer) clientConfig(t *testing.T) *Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func newTestClient(t *testing.T, config *Config) *Client {
	t.Helper()
	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server.clientConfig(t))

	if client.IsConnected() {
		t.Error("client should not connect before first use")
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
	if err := client.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
}

func TestClientConnect_WrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig(t)
	config.Password = "wrong"
	client := newTestClient(t, config)

	err := client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	var te *TransportError
	if !errors.As(err, &te) || !te.IsAuthError {
		t.Fatalf("expected auth TransportError, got %v", err)
	}
	if kind := engine.KindOf(classify("connect", err)); kind != engine.ErrorKindAuthInvalid {
		t.Errorf("expected AuthInvalid, got %s", kind)
	}
}

func TestClientConnect_Unreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	_ = listener.Close()

	config := DefaultConfig("127.0.0.1", "testuser")
	config.Port = addr.Port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 2 * time.Second
	client := newTestClient(t, config)

	err = client.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || !te.Temporary() {
		t.Fatalf("expected temporary TransportError, got %v", err)
	}
	if !engine.IsTransient(classify("connect", err)) {
		t.Error("unreachable host should classify as transient")
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server.clientConfig(t))
	ctx := context.Background()

	tests := []struct {
		name     string
		command  string
		exitCode int
		stdout   string
		stderr   string
	}{
		{"stdout", "echo test", 0, "test\n", ""},
		{"stderr", "echo error >&2", 0, "", "error\n"},
		{"non-zero exit is not an error", "exit 3", 3, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := client.Run(ctx, tt.command)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.ExitCode != tt.exitCode {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, tt.exitCode)
			}
			if res.Stdout != tt.stdout {
				t.Errorf("Stdout = %q, want %q", res.Stdout, tt.stdout)
			}
			if res.Stderr != tt.stderr {
				t.Errorf("Stderr = %q, want %q", res.Stderr, tt.stderr)
			}
		})
	}
}

func TestClientHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server.clientConfig(t))

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig(t)
	config.AuthMethod = AuthMethodKey
	config.Password = ""
	config.PrivateKeyPath = writeTestKey(t)
	client := newTestClient(t, config)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
}

func TestSandboxOverSSH_Execute(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server.clientConfig(t))
	sandbox := NewSandbox(client, zerolog.Nop())

	id := "0b9e4f36-3f0e-4c57-9d59-0f4b8f0f3f11"
	res, err := sandbox.Execute(context.Background(), id, "make test")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := "command: cd '/var/tmp/prflow/" + id + "/workspace' && make test\n"
	if res.Stdout != want {
		t.Errorf("Stdout = %q, want %q", res.Stdout, want)
	}
}
