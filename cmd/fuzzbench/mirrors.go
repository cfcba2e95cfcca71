package main

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	mqttpub "fuzzbench.harness/internal/adapters/handler/mqtt"
	redisqueue "fuzzbench.harness/internal/adapters/queue/redis"
	"fuzzbench.harness/internal/adapters/repository/pg"
	"fuzzbench.harness/internal/config"
	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/logger"
	"fuzzbench.harness/internal/core/ports"
)

const mirrorTimeout = 10 * time.Second

// mirrors holds the optional external copies of a run's outcomes. A mirror
// that cannot be opened is logged and left out; the result store on disk is
// the only record a run depends on.
type mirrors struct {
	repo  *pg.Repository
	redis *redisqueue.Sink
	mqtt  *mqttpub.Publisher

	redisClient *goredis.Client
}

func openMirrors(cfg *config.Config) *mirrors {
	m := &mirrors{}
	if cfg.DatabaseURL != "" {
		repo, err := pg.NewRepository(cfg.DatabaseURL)
		if err != nil {
			logger.Error("Failed to init postgres mirror", "error", err)
		} else {
			m.repo = repo
		}
	}
	if cfg.RedisURL != "" {
		sink, client, err := redisqueue.NewSink(cfg.RedisURL)
		if err != nil {
			logger.Error("Failed to init redis mirror", "error", err)
		} else {
			m.redis, m.redisClient = sink, client
		}
	}
	if cfg.MQTTBroker != "" {
		pub, err := mqttpub.NewPublisher(cfg.MQTTBroker)
		if err != nil {
			logger.Error("Failed to init MQTT publisher", "error", err)
		} else {
			m.mqtt = pub
		}
	}
	return m
}

func (m *mirrors) sinks() []ports.OutcomeSink {
	var out []ports.OutcomeSink
	if m.repo != nil {
		out = append(out, m.repo)
	}
	if m.redis != nil {
		out = append(out, m.redis)
	}
	if m.mqtt != nil {
		out = append(out, m.mqtt)
	}
	return out
}

func (m *mirrors) db() *gorm.DB {
	if m.repo == nil {
		return nil
	}
	return m.repo.DB()
}

func (m *mirrors) startRun(meta *domain.RunMeta) {
	if m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := m.repo.SaveRun(ctx, meta); err != nil {
		logger.Warn("Failed to mirror run", "error", err)
	}
}

func (m *mirrors) finishRun(summary *domain.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if m.repo != nil {
		if err := m.repo.FinishRun(ctx, summary); err != nil {
			logger.Warn("Failed to mirror run summary", "sink", m.repo.Name(), "error", err)
		}
	}
	if m.mqtt != nil {
		if err := m.mqtt.PublishSummary(ctx, summary); err != nil {
			logger.Warn("Failed to mirror run summary", "sink", m.mqtt.Name(), "error", err)
		}
	}
}

func (m *mirrors) Close() {
	if m.repo != nil {
		m.repo.Close()
	}
	if m.redisClient != nil {
		m.redisClient.Close()
	}
	if m.mqtt != nil {
		m.mqtt.Close()
	}
}
