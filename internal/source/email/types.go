package email

// Config holds the IMAP connection settings.
type Config struct {
	Host    string
	Port    string
	Mailbox string

	// BatchSize caps the number of UIDs per FETCH command.
	BatchSize int

	// Dial opens the transport. Defaults to DialTLS.
	Dial DialFunc
}

func (c Config) withDefaults() Config {
	if c.Port == "" {
		c.Port = "993"
	}
	if c.Mailbox == "" {
		c.Mailbox = "INBOX"
	}
	if c.BatchSize < 1 {
		c.BatchSize = 50
	}
	if c.Dial == nil {
		c.Dial = DialTLS
	}
	return c
}
