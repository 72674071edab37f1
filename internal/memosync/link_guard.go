package memosync

import (
	"sync"
	"time"
)

const (
	defaultLinkAttemptLimit       = 5
	defaultLinkGlobalAttemptLimit = 30
	defaultLinkAttemptWindow      = 15 * time.Minute
	linkGuardPruneThreshold       = 4096
)

// linkAttemptGuard counts failed link-code guesses per chat user and across
// all chat users. Reaching either limit locks linking until the window that
// tripped it expires. The global limit covers callers that rotate chat user
// ids.
type linkAttemptGuard struct {
	mu      sync.Mutex
	window  Millis
	perUser int
	global  int
	users   map[string]attemptWindow
	all     attemptWindow
}

type attemptWindow struct {
	misses  int
	resetAt Millis
}

func (w attemptWindow) active(now Millis) bool {
	return now < w.resetAt
}

func newLinkAttemptGuard(window time.Duration, perUser, global int) *linkAttemptGuard {
	if window <= 0 {
		window = defaultLinkAttemptWindow
	}
	if perUser <= 0 {
		perUser = defaultLinkAttemptLimit
	}
	if global <= 0 {
		global = defaultLinkGlobalAttemptLimit
	}
	return &linkAttemptGuard{
		window:  Millis(window.Milliseconds()),
		perUser: perUser,
		global:  global,
		users:   map[string]attemptWindow{},
	}
}

func (g *linkAttemptGuard) allow(chatUserID string, now Millis) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.all.active(now) && g.all.misses >= g.global {
		return false
	}
	if w, ok := g.users[chatUserID]; ok && w.active(now) && w.misses >= g.perUser {
		return false
	}
	return true
}

func (g *linkAttemptGuard) miss(chatUserID string, now Millis) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.all = g.all.add(now, g.window)
	g.users[chatUserID] = g.users[chatUserID].add(now, g.window)
	if len(g.users) > linkGuardPruneThreshold {
		for id, w := range g.users {
			if !w.active(now) {
				delete(g.users, id)
			}
		}
	}
}

// clear forgets a chat user's misses after a successful link. Global misses
// are kept.
func (g *linkAttemptGuard) clear(chatUserID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.users, chatUserID)
}

func (w attemptWindow) add(now, window Millis) attemptWindow {
	if !w.active(now) {
		return attemptWindow{misses: 1, resetAt: now + window}
	}
	w.misses++
	return w
}
