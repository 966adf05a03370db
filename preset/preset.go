// Package preset keeps named parameter sets in Redis.
//
// Each preset is stored as the binary parameter record under
// prefix+"p:"+name. A set at prefix+"index" holds the known names so List does
// not have to scan the keyspace.
package preset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/gogpu/fractal"
)

// DefaultPrefix is the key prefix used when none is given.
const DefaultPrefix = "fractal:preset:"

var (
	// ErrNotFound is returned by Load and Delete for unknown names.
	ErrNotFound = errors.New("preset: not found")

	// ErrBadName is returned for empty names and names containing
	// whitespace.
	ErrBadName = errors.New("preset: bad name")
)

// Store is a preset collection in one Redis database.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New returns a store using client. An empty prefix means DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Options describes the Redis connection.
type Options struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// Open connects to Redis and checks that it answers.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("preset: connect %s: %w", opts.Addr, err)
	}
	return New(client, opts.Prefix), nil
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(name string) string { return s.prefix + "p:" + name }

func (s *Store) indexKey() string { return s.prefix + "index" }

func checkName(name string) error {
	if name == "" || strings.ContainsFunc(name, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	}) {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return nil
}

// Save stores p under name, replacing any previous preset of that name.
func (s *Store) Save(ctx context.Context, name string, p *fractal.Params) error {
	if err := checkName(name); err != nil {
		return err
	}
	data, err := p.MarshalBinary()
	if err != nil {
		return fmt.Errorf("preset: encode %q: %w", name, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(name), data, 0)
		pipe.SAdd(ctx, s.indexKey(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("preset: save %q: %w", name, err)
	}
	fractal.Logger().Debug("preset: saved", "name", name, "bytes", len(data))
	return nil
}

// Load returns the preset called name.
func (s *Store) Load(ctx context.Context, name string) (*fractal.Params, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, fmt.Errorf("preset: load %q: %w", name, err)
	}

	p := new(fractal.Params)
	if err := p.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("preset: decode %q: %w", name, err)
	}
	return p, nil
}

// Delete removes the preset called name.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(name))
		pipe.SRem(ctx, s.indexKey(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("preset: delete %q: %w", name, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

// List returns the preset names in sorted order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("preset: list: %w", err)
	}
	slices.Sort(names)
	return names, nil
}
