package orchestrator

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

const kubeConfigPath = "/etc/rancher/k3s/k3s.yaml"

// SSHKubeConfigFetcher downloads the cluster config from a master node
// over ssh.
type SSHKubeConfigFetcher struct {
	user   string
	signer ssh.Signer
	port   int
}

func NewSSHKubeConfigFetcher(user string, privateKey []byte) (*SSHKubeConfigFetcher, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &SSHKubeConfigFetcher{user: user, signer: signer, port: 22}, nil
}

func (f *SSHKubeConfigFetcher) Fetch(ctx context.Context, host string) (string, error) {
	config := &ssh.ClientConfig{
		User:            f.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(f.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	address := net.JoinHostPort(host, fmt.Sprint(f.port))

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", fmt.Errorf("failed to dial %s: %w", address, err)
	}

	sshConn, channels, requests, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("failed to open ssh connection to %s: %w", address, err)
	}

	client := ssh.NewClient(sshConn, channels, requests)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	output, err := session.Output("cat " + kubeConfigPath)
	if err != nil {
		return "", fmt.Errorf("failed to read cluster config: %w", err)
	}

	return string(output), nil
}
