/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package modeltest provides a scripted Chat implementation for exercising
// the planner without a real model backend.
package modeltest

import (
	"context"
	"fmt"
)

// Scripted replays a fixed sequence of replies and records every prompt it
// receives. It is not safe for concurrent use, matching the Chat contract.
type Scripted struct {
	// Replies are returned in order, one per Send call.
	Replies []string

	// Err, when set, is returned by every Send call instead of a reply.
	Err error

	// Prompts accumulates the messages received, in order.
	Prompts []string
}

// Send implements model.Chat.
func (s *Scripted) Send(_ context.Context, message string) (string, error) {
	s.Prompts = append(s.Prompts, message)
	if s.Err != nil {
		return "", s.Err
	}
	if len(s.Prompts) > len(s.Replies) {
		return "", fmt.Errorf("scripted chat exhausted after %d replies", len(s.Replies))
	}
	return s.Replies[len(s.Prompts)-1], nil
}
