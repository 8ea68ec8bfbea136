// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/charmbracelet/ssh"
)

// GenerateToken issues a new token valid for the configured TTL.
func (s *Server) GenerateToken(label string) (*Token, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	now := s.now()
	token := &Token{
		Value:     TokenValue(hex.EncodeToString(raw)),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TokenTTL),
		Label:     label,
	}

	s.tokenMu.Lock()
	s.tokens[token.Value] = token
	s.tokenMu.Unlock()

	s.logger.Debug("Generated token", "label", label)
	return token, nil
}

// ValidateToken reports whether value is a live token. Expired tokens are
// revoked on sight.
func (s *Server) ValidateToken(value TokenValue) (*Token, bool) {
	if value.Validate() != nil {
		return nil, false
	}
	s.tokenMu.RLock()
	token, ok := s.tokens[value]
	s.tokenMu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.now().After(token.ExpiresAt) {
		s.RevokeToken(value)
		return nil, false
	}
	return token, true
}

// RevokeToken invalidates a token.
func (s *Server) RevokeToken(value TokenValue) {
	s.tokenMu.Lock()
	delete(s.tokens, value)
	s.tokenMu.Unlock()
}

func (s *Server) cleanupExpiredTokens() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := s.now()
			s.tokenMu.Lock()
			for value, token := range s.tokens {
				if now.After(token.ExpiresAt) {
					delete(s.tokens, value)
				}
			}
			s.tokenMu.Unlock()
		}
	}
}

func (s *Server) passwordHandler(ctx ssh.Context, password string) bool {
	token, ok := s.ValidateToken(TokenValue(password))
	if !ok {
		s.logger.Warn("Invalid token authentication attempt", "user", ctx.User(), "remote", ctx.RemoteAddr())
		return false
	}
	ctx.SetValue("token", token)
	return true
}

// publicKeyHandler rejects all keys; only token passwords are accepted.
func (s *Server) publicKeyHandler(ssh.Context, ssh.PublicKey) bool {
	return false
}
