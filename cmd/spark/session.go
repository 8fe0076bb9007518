// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/bureau-foundation/spark/activity"
	"github.com/bureau-foundation/spark/clientcache"
	"github.com/bureau-foundation/spark/lib/config"
	"github.com/bureau-foundation/spark/lib/secret"
	"github.com/bureau-foundation/spark/lib/version"
	"github.com/bureau-foundation/spark/messaging"
)

// TokenEnvironmentVariable holds the access token when set.
const TokenEnvironmentVariable = "SPARK_ACCESS_TOKEN"

// session is everything a command needs to talk to the backend.
type session struct {
	config     *config.Config
	logger     *slog.Logger
	client     *messaging.Client
	dispatcher *activity.Dispatcher
	token      *secret.Buffer
	cache      *clientcache.Store
}

func loadConfig(path string) (*config.Config, error) {
	var (
		loaded *config.Config
		err    error
	)
	if path != "" {
		loaded, err = config.LoadFile(path)
	} else {
		loaded, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return loaded, nil
}

// newLogger writes text to a terminal and JSON otherwise.
func newLogger(level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options))
}

// readAccessToken finds the token in the environment, tokenFile, piped
// stdin or an interactive prompt, in that order.
func readAccessToken(tokenFile string, stdin *os.File) (*secret.Buffer, error) {
	if value := os.Getenv(TokenEnvironmentVariable); value != "" {
		return secret.NewFromString(value)
	}
	switch tokenFile {
	case "":
	case "-":
		return secret.ReadToken(stdin)
	default:
		file, err := os.Open(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("opening token file: %w", err)
		}
		defer file.Close()
		return secret.ReadToken(file)
	}

	descriptor := int(stdin.Fd())
	if !term.IsTerminal(descriptor) {
		return secret.ReadToken(stdin)
	}
	fmt.Fprint(os.Stderr, "Access token: ")
	tokenBytes, err := term.ReadPassword(descriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading access token: %w", err)
	}
	buffer, err := secret.NewFromBytes(tokenBytes)
	secret.Zero(tokenBytes)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

func openSession(options globalOptions) (*session, error) {
	loaded, err := loadConfig(options.configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(loaded.LogLevel()).With("environment", string(loaded.Environment))

	token, err := readAccessToken(options.tokenFile, os.Stdin)
	if err != nil {
		return nil, err
	}
	s := &session{config: loaded, logger: logger, token: token}

	s.client, err = messaging.NewClient(messaging.ClientConfig{
		BaseURL:       loaded.Server.URL,
		KMSURL:        loaded.KMSBaseURL(),
		Authenticator: messaging.NewStaticToken(token),
		HTTPClient:    &http.Client{Timeout: loaded.Server.RequestTimeout},
		Logger:        logger,
		UserAgent:     "spark/" + version.Short(),
	})
	if err != nil {
		s.close()
		return nil, err
	}

	var cache activity.ClientInfoCache
	if path := loaded.Storage.ClientInfoPath; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			s.close()
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
		s.cache, err = clientcache.Open(path, logger)
		if err != nil {
			s.close()
			return nil, err
		}
		cache = s.cache
	}

	s.dispatcher, err = activity.New(activity.Config{
		Backend:             s.client,
		DeviceURL:           loaded.Device.URL,
		ClientInfoCache:     cache,
		EphemeralKeyTimeout: loaded.KeyExchange.EphemeralKeyTimeout,
		Logger:              logger,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("closing client info cache", "error", err)
		}
	}
	if s.token != nil {
		s.token.Close()
	}
}
