package notify

import (
	"fmt"
	"net/smtp"
)

var MessageTemplate = "Content-Type: text/html\r\nFrom: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n"

// Sender delivers plan expiry notices to VDC owners over smtp.
type Sender struct {
	serverAddress string
	senderName    string
}

func NewSender(address, senderName string) *Sender {
	return &Sender{
		serverAddress: address,
		senderName:    senderName,
	}
}

func (s *Sender) Send(recipient, subject, text string) error {
	client, err := smtp.Dial(s.serverAddress)
	if err != nil {
		return fmt.Errorf("failed to connect to smtp server: %w", err)
	}

	if err := client.Mail(s.senderName); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}

	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to create writer: %w", err)
	}

	_, err = fmt.Fprintf(writer, MessageTemplate, s.senderName, recipient, subject, text)
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	if err := client.Quit(); err != nil {
		return fmt.Errorf("failed to quit: %w", err)
	}

	return nil
}

// ExpiryNotice renders the warning mailed to an owner whose VDC is about
// to run out of funded capacity.
func ExpiryNotice(vdcName string, days float64) (subject, text string) {
	subject = fmt.Sprintf("Your VDC %s expires soon", vdcName)
	text = fmt.Sprintf(
		"<p>Your virtual datacenter <b>%s</b> has %.1f days of funded capacity left.</p>"+
			"<p>Renew your plan to keep it running, otherwise its workloads will be released.</p>",
		vdcName, days,
	)

	return subject, text
}
