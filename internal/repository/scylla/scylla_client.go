package scylla

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"ratelimit-gateway/internal/config"
	"ratelimit-gateway/internal/util"
)

// PreparedStatements holds the statements used by the policy repository.
type PreparedStatements struct {
	GetPolicy    *gocql.Query
	UpsertPolicy *gocql.Query
	DeletePolicy *gocql.Query
	ListPolicies *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (c *ScyllaClient) prepareStatements() error {
	c.prepareMutex.Lock()
	defer c.prepareMutex.Unlock()

	if c.isPrepared {
		return nil
	}

	c.Prepared = &PreparedStatements{
		GetPolicy: c.Session.Query(
			`SELECT client_id, tier, limit_override, note, updated_at
			 FROM rate_limit_policies WHERE bucket = ? AND client_id = ?`),
		UpsertPolicy: c.Session.Query(
			`INSERT INTO rate_limit_policies (bucket, client_id, tier, limit_override, note, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`),
		DeletePolicy: c.Session.Query(
			`DELETE FROM rate_limit_policies WHERE bucket = ? AND client_id = ?`),
		ListPolicies: c.Session.Query(
			`SELECT client_id, tier, limit_override, note, updated_at
			 FROM rate_limit_policies WHERE bucket = ?`),
	}

	c.isPrepared = true
	return nil
}

func (c *ScyllaClient) HealthCheck() error {
	if c.Session == nil || c.Session.Closed() {
		return fmt.Errorf("scylla session is closed")
	}
	if err := c.Session.Query("SELECT now() FROM system.local").Exec(); err != nil {
		return fmt.Errorf("scylla health query failed: %w", err)
	}
	return nil
}

func (c *ScyllaClient) Close() {
	if c.Session != nil && !c.Session.Closed() {
		c.Session.Close()
		util.Info("ScyllaDB session closed")
	}
}
