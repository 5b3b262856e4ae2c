package scylla

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/gocql/gocql"
)

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Options describes how to reach the cluster.
type Options struct {
	Hosts             []string
	Keyspace          string
	Timeout           time.Duration
	Consistency       string
	ReplicationFactor int
	Username          string
	Password          string
}

// NewSession ensures the keyspace and tables exist and returns a session bound to the keyspace.
func NewSession(ctx context.Context, opts Options, logger *slog.Logger) (*gocql.Session, error) {
	if !keyspacePattern.MatchString(opts.Keyspace) {
		return nil, fmt.Errorf("scylla: invalid keyspace name: %s", opts.Keyspace)
	}
	consistency := gocql.Quorum
	if opts.Consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(opts.Consistency)
		if err != nil {
			return nil, fmt.Errorf("scylla: %w", err)
		}
		consistency = c
	}
	if opts.ReplicationFactor <= 0 {
		opts.ReplicationFactor = 1
	}

	baseSession, err := cluster(opts, consistency, "").CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: connect: %w", err)
	}
	defer baseSession.Close()
	if err := ensureKeyspace(ctx, baseSession, opts); err != nil {
		return nil, err
	}

	session, err := cluster(opts, consistency, opts.Keyspace).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: connect to keyspace %s: %w", opts.Keyspace, err)
	}
	if err := ensureTables(ctx, session); err != nil {
		session.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("scylla connected", "hosts", opts.Hosts, "keyspace", opts.Keyspace)
	}
	return session, nil
}

func cluster(opts Options, consistency gocql.Consistency, keyspace string) *gocql.ClusterConfig {
	c := gocql.NewCluster(opts.Hosts...)
	if opts.Timeout > 0 {
		c.Timeout = opts.Timeout
		c.ConnectTimeout = opts.Timeout
	}
	c.Keyspace = keyspace
	c.Consistency = consistency
	if opts.Username != "" {
		c.Authenticator = gocql.PasswordAuthenticator{Username: opts.Username, Password: opts.Password}
	}
	return c
}

func ensureKeyspace(ctx context.Context, session *gocql.Session, opts Options) error {
	cql := fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}",
		opts.Keyspace, opts.ReplicationFactor,
	)
	if err := session.Query(cql).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("scylla: create keyspace: %w", err)
	}
	return nil
}

var tables = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
	id text PRIMARY KEY,
	username text,
	display_name text,
	avatar_url text,
	is_online boolean,
	last_seen timestamp
)`,
	`CREATE TABLE IF NOT EXISTS profiles_by_username (
	username text PRIMARY KEY,
	id text
)`,
	`CREATE TABLE IF NOT EXISTS conversations (
	id uuid PRIMARY KEY,
	participant_1 text,
	participant_2 text,
	participants set<text>,
	last_message text,
	last_message_at timestamp,
	created_at timestamp
)`,
	`CREATE TABLE IF NOT EXISTS messages (
	conversation_id uuid,
	message_id timeuuid,
	sender_id text,
	text text,
	created_at timestamp,
	is_read boolean,
	PRIMARY KEY (conversation_id, message_id)
) WITH CLUSTERING ORDER BY (message_id ASC)`,
}

func ensureTables(ctx context.Context, session *gocql.Session) error {
	for _, cql := range tables {
		if err := session.Query(cql).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("scylla: create table: %w", err)
		}
	}
	return nil
}
