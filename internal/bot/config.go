package bot

// Config represents the configuration for the bot
type Config struct {
	Token string
	// ChatID is the learner's chat; other chats are ignored when set
	ChatID int64
	// Number of due items listed by /due
	DueListSize int
}

// DefaultConfig returns the default bot configuration
func DefaultConfig() *Config {
	return &Config{
		DueListSize: 10,
	}
}
