// Package settings loads the engagement service configuration from the
// environment.
package settings

import (
	"fmt"
	"strings"
	"time"

	"vibeslop/api_engagement/internal/maintenance"
	"vibeslop/api_engagement/internal/models"
	"vibeslop/api_engagement/internal/profile"
	"vibeslop/pkg/config"
	"vibeslop/pkg/llm"
	"vibeslop/pkg/redis"
)

type Settings struct {
	DatabaseURL string
	Redis       redis.Config
	QueueName   string

	Intensity   string
	ProfileFile string
	Profile     profile.Profile

	WorkerConcurrency int
	JobMaxAttempts    int

	WatchInterval  time.Duration
	WatchLookback  time.Duration
	CatchUpAfter   time.Duration
	TextTimeout    time.Duration
	ExecutionLease time.Duration
	SweepInterval  time.Duration

	UsageResetAt string
	Location     *time.Location

	DomainAPIURL string
	ServiceToken string

	LLM llm.Config

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	ContentTopic  string

	MinAge map[models.EngagementType]time.Duration
}

// Load reads the environment. DATABASE_URL is read but not required here;
// commands that need the database check it themselves.
func Load() (Settings, error) {
	s := Settings{
		DatabaseURL: config.GetEnv("DATABASE_URL", ""),
		Redis:       redis.LoadConfig(),
		QueueName:   config.GetEnv("QUEUE_NAME", "engagement"),

		Intensity:   strings.ToLower(config.GetEnv("ENGAGEMENT_INTENSITY", "medium")),
		ProfileFile: config.GetEnv("INTENSITY_PROFILE_FILE", ""),

		WorkerConcurrency: config.GetEnvInt("WORKER_CONCURRENCY", 8),
		JobMaxAttempts:    config.GetEnvInt("JOB_MAX_ATTEMPTS", 3),

		WatchInterval:  config.GetEnvDuration("WATCH_INTERVAL", time.Minute),
		WatchLookback:  config.GetEnvDuration("WATCH_LOOKBACK", 6*time.Hour),
		CatchUpAfter:   config.GetEnvDuration("CATCH_UP_AFTER", time.Hour),
		TextTimeout:    config.GetEnvDuration("TEXT_TIMEOUT", 8*time.Second),
		ExecutionLease: config.GetEnvDuration("EXECUTION_LEASE", 2*time.Minute),
		SweepInterval:  config.GetEnvDuration("SWEEP_INTERVAL", 5*time.Minute),

		UsageResetAt: config.GetEnv("USAGE_RESET_AT", "00:00"),

		DomainAPIURL: config.GetEnv("DOMAIN_API_URL", "http://localhost:3000"),
		ServiceToken: config.GetEnv("SERVICE_TOKEN", ""),

		LLM: llm.LoadConfig(),

		KafkaBrokers:  config.GetEnvList("KAFKA_BROKERS", nil),
		KafkaClientID: config.GetEnv("KAFKA_CLIENT_ID", "bosun"),
		KafkaGroupID:  config.GetEnv("KAFKA_GROUP_ID", "bosun-content"),
		ContentTopic:  config.GetEnv("CONTENT_KAFKA_TOPIC", "content.published"),

		MinAge: map[models.EngagementType]time.Duration{},
	}

	loc, err := time.LoadLocation(config.GetEnv("ENGAGEMENT_TZ", "UTC"))
	if err != nil {
		return s, fmt.Errorf("ENGAGEMENT_TZ: %w", err)
	}
	s.Location = loc

	if _, _, err := maintenance.ParseClock(s.UsageResetAt); err != nil {
		return s, fmt.Errorf("USAGE_RESET_AT: %w", err)
	}

	s.Profile, err = profile.Load(s.Intensity, s.ProfileFile)
	if err != nil {
		return s, fmt.Errorf("ENGAGEMENT_INTENSITY: %w", err)
	}

	for _, t := range []models.EngagementType{models.Like, models.Repost, models.Comment, models.Follow, models.Bookmark, models.Quote} {
		key := "MIN_AGE_" + strings.ToUpper(string(t))
		if d := config.GetEnvDuration(key, 0); d > 0 {
			s.MinAge[t] = d
		}
	}

	if s.WorkerConcurrency <= 0 {
		return s, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", s.WorkerConcurrency)
	}
	if s.JobMaxAttempts <= 0 {
		return s, fmt.Errorf("JOB_MAX_ATTEMPTS must be positive, got %d", s.JobMaxAttempts)
	}
	return s, nil
}

// KafkaEnabled reports whether a broker list is configured.
func (s Settings) KafkaEnabled() bool {
	return len(s.KafkaBrokers) > 0
}

// Required lists the settings the service cannot run without, for the
// configuration health check.
func (s Settings) Required() map[string]string {
	return map[string]string{
		"DATABASE_URL":   s.DatabaseURL,
		"DOMAIN_API_URL": s.DomainAPIURL,
		"SERVICE_TOKEN":  s.ServiceToken,
	}
}
