package game

import (
	"context"
	"errors"
	"log"
	"regexp"
	"strconv"
	"sync"

	"github.com/leighmacdonald/steamid/v2/steamid"

	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/logrelay"
	"github.com/pickuplab/pickupd/internal/storage"
)

// The event grammar. Patterns are tried in this order and the first
// match wins; the grammar is built so at most one pattern can apply to
// any line.
var (
	matchStartedPattern = regexp.MustCompile(`World triggered "Round_Start"`)
	matchEndedPattern   = regexp.MustCompile(`World triggered "Game_Over" reason "(.+)"`)
	logsUploadedPattern = regexp.MustCompile(`\[TFTrue\].*?(https?://logs\.tf/\d+)`)
	connectedPattern    = regexp.MustCompile(`"(.+?)<(\d+)><(\[U:\d+:\d+\])><(.*?)>" connected, address "(.+?)"`)
	joinedTeamPattern   = regexp.MustCompile(`"(.+?)<(\d+)><(\[U:\d+:\d+\])><(.*?)>" joined team "(.+?)"`)
	disconnectedPattern = regexp.MustCompile(`"(.+?)<(\d+)><(\[U:\d+:\d+\])><(.*?)>" disconnected \(reason "(.+?)"\)`)
	scorePattern        = regexp.MustCompile(`Team "(.+?)" final score "(\d+)" with "(\d+)" players`)
	demoUploadedPattern = regexp.MustCompile(`\[demos\.tf\]:\s*STV available at:\s*(\S+)`)
)

type logEventHandler func(r *Router, ctx context.Context, g *domain.Game, matches []string)

type logEventPattern struct {
	pattern *regexp.Regexp
	handle  logEventHandler
}

var logEventGrammar = []logEventPattern{
	{matchStartedPattern, (*Router).onMatchStarted},
	{matchEndedPattern, (*Router).onMatchEnded},
	{logsUploadedPattern, (*Router).onLogsUploaded},
	{connectedPattern, (*Router).onPlayerConnected},
	{joinedTeamPattern, (*Router).onPlayerJoinedTeam},
	{disconnectedPattern, (*Router).onPlayerDisconnected},
	{scorePattern, (*Router).onScoreReported},
	{demoUploadedPattern, (*Router).onDemoUploaded},
}

// Router consumes relay lines, resolves the owning game through the
// line's secret and dispatches matched events to the lifecycle. Lines
// with an unknown secret are dropped. Events for one game apply in
// arrival order; different games are independent.
type Router struct {
	store     *storage.Store
	lifecycle *Lifecycle
	relay     *logrelay.Relay

	done chan struct{}
	wg   sync.WaitGroup
}

func NewRouter(store *storage.Store, lifecycle *Lifecycle, relay *logrelay.Relay) *Router {
	return &Router{
		store:     store,
		lifecycle: lifecycle,
		relay:     relay,
		done:      make(chan struct{}),
	}
}

// Start consumes the relay until Stop is called
func (r *Router) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		lines := r.relay.Lines()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				r.Route(context.Background(), line.Secret, line.Payload)
			case <-r.done:
				return
			}
		}
	}()
}

// Stop terminates the consuming goroutine
func (r *Router) Stop() {
	close(r.done)
	r.wg.Wait()
}

// Route matches one line against the grammar and dispatches the event
// to the secret's game
func (r *Router) Route(ctx context.Context, secret, payload string) {
	for _, entry := range logEventGrammar {
		matches := entry.pattern.FindStringSubmatch(payload)
		if matches == nil {
			continue
		}

		g, err := r.store.GetGameByLogSecret(ctx, secret)
		if err != nil {
			if errors.Is(err, domain.ErrGameNotFound) {
				log.Printf("router: dropping line with unknown secret: %q", payload)
			} else {
				log.Printf("router: resolving game for line: %v", err)
			}
			return
		}
		entry.handle(r, ctx, g, matches)
		return
	}
}

func (r *Router) onMatchStarted(ctx context.Context, g *domain.Game, _ []string) {
	if err := r.lifecycle.OnMatchStarted(ctx, g.ID); err != nil {
		log.Printf("router: game %d: match started: %v", g.ID, err)
	}
}

func (r *Router) onMatchEnded(ctx context.Context, g *domain.Game, _ []string) {
	if err := r.lifecycle.OnMatchEnded(ctx, g.ID); err != nil {
		log.Printf("router: game %d: match ended: %v", g.ID, err)
	}
}

func (r *Router) onLogsUploaded(ctx context.Context, g *domain.Game, matches []string) {
	if err := r.lifecycle.OnLogsUploaded(ctx, g.ID, matches[1]); err != nil {
		log.Printf("router: game %d: logs uploaded: %v", g.ID, err)
	}
}

func (r *Router) onPlayerConnected(ctx context.Context, g *domain.Game, matches []string) {
	player := r.resolvePlayer(ctx, g, matches[3])
	if player == nil {
		return
	}
	log.Printf("game %d: %s connected from %s", g.ID, player.Name, matches[5])
}

func (r *Router) onPlayerJoinedTeam(ctx context.Context, g *domain.Game, matches []string) {
	player := r.resolvePlayer(ctx, g, matches[3])
	if player == nil {
		return
	}
	log.Printf("game %d: %s joined team %s", g.ID, player.Name, matches[5])
}

func (r *Router) onPlayerDisconnected(ctx context.Context, g *domain.Game, matches []string) {
	player := r.resolvePlayer(ctx, g, matches[3])
	if player == nil {
		return
	}
	log.Printf("game %d: %s disconnected (%s)", g.ID, player.Name, matches[5])
}

func (r *Router) onScoreReported(ctx context.Context, g *domain.Game, matches []string) {
	team, ok := parseTeam(matches[1])
	if !ok {
		log.Printf("router: game %d: unknown team %q in score report", g.ID, matches[1])
		return
	}
	score, err := strconv.Atoi(matches[2])
	if err != nil {
		return
	}
	if err := r.lifecycle.OnScoreReported(ctx, g.ID, team, score); err != nil {
		log.Printf("router: game %d: score reported: %v", g.ID, err)
	}
}

func (r *Router) onDemoUploaded(ctx context.Context, g *domain.Game, matches []string) {
	if err := r.lifecycle.OnDemoUploaded(ctx, g.ID, matches[1]); err != nil {
		log.Printf("router: game %d: demo uploaded: %v", g.ID, err)
	}
}

// resolvePlayer maps a SteamID3 fragment to a known player. An invalid
// encoding discards the single event without failing the line.
func (r *Router) resolvePlayer(ctx context.Context, g *domain.Game, sid3 string) *domain.Player {
	sid64 := steamid.SID3ToSID64(steamid.SID3(sid3))
	if !sid64.Valid() {
		log.Printf("router: game %d: discarding event with malformed steam id %q", g.ID, sid3)
		return nil
	}
	player, err := r.store.GetPlayerBySteamID(ctx, sid64.String())
	if err != nil {
		log.Printf("router: game %d: no player with steam id %s", g.ID, sid64)
		return nil
	}
	return player
}

func parseTeam(name string) (string, bool) {
	switch name {
	case "Red", "RED":
		return domain.TeamRed, true
	case "Blue", "BLU", "Blu":
		return domain.TeamBlu, true
	}
	return "", false
}
