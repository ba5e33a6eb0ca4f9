package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Notification engine
	BatchEmailEnabled bool          // when false every notification is delivered immediately
	DigestMaxEvents   int           // max events included in a single digest per recipient
	EventExpiry       time.Duration // pending events older than this are never delivered
	FlushInterval     time.Duration // how often the digest flusher runs

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Delivery transport: "queue" (SQS hand-off), "ses" (direct), "log"
	Transport string

	// SQS config for the queue transport
	SQSRegion   string
	SQSQueueURL string

	// AWS / SES
	AWSRegion    string
	SESFromEmail string

	// SNS lifecycle topic (optional)
	SNSTopicARN string
	SNSRegion   string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		BatchEmailEnabled: false,
		DigestMaxEvents:   5,
		EventExpiry:       7 * 24 * time.Hour,
		FlushInterval:     1 * time.Hour,

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "herald",
		DBPassword: "",
		DBName:     "herald",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		Transport: "log",

		AWSRegion:    "us-east-1",
		SESFromEmail: "notifications@herald.local",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Notification engine config
	if enabled := os.Getenv("BATCH_EMAIL_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid BATCH_EMAIL_ENABLED: %w", err)
		}
		cfg.BatchEmailEnabled = b
	}

	if max := os.Getenv("DIGEST_MAX_EVENTS"); max != "" {
		m, err := strconv.Atoi(max)
		if err != nil {
			return nil, fmt.Errorf("invalid DIGEST_MAX_EVENTS: %w", err)
		}
		if m <= 0 {
			return nil, fmt.Errorf("DIGEST_MAX_EVENTS must be positive, got %d", m)
		}
		cfg.DigestMaxEvents = m
	}

	if expiry := os.Getenv("EVENT_EXPIRY"); expiry != "" {
		d, err := time.ParseDuration(expiry)
		if err != nil {
			return nil, fmt.Errorf("invalid EVENT_EXPIRY: %w", err)
		}
		cfg.EventExpiry = d
	}

	if interval := os.Getenv("FLUSH_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid FLUSH_INTERVAL: %w", err)
		}
		cfg.FlushInterval = d
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if transport := os.Getenv("TRANSPORT"); transport != "" {
		switch transport {
		case "queue", "ses", "log":
			cfg.Transport = transport
		default:
			return nil, fmt.Errorf("invalid TRANSPORT: %q (must be queue, ses or log)", transport)
		}
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// SNS lifecycle config
	if arn := os.Getenv("SNS_TOPIC_ARN"); arn != "" {
		cfg.SNSTopicARN = arn
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	return cfg, nil
}
