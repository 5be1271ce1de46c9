package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"overland.gg/internal/client"
)

func main() {
	var (
		url         = flag.String("url", "ws://localhost:26500/v1/ws", "server websocket url")
		name        = flag.String("name", "wanderer", "display name")
		spawnChoice = flag.String("spawn", "", "spawn choice: blank for default, a number, or a spawn point id")
		wander      = flag.Bool("wander", true, "random-walk the local player (demo stand-in for a real game)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)

	link := newSimLink(logger)
	c, err := client.New(client.Options{Name: *name, Link: link, Logger: logger})
	if err != nil {
		logger.Fatalf("client: %v", err)
	}

	if err := c.Connect(*url); err != nil {
		logger.Fatalf("connect: %v", err)
	}

	fmt.Println("spawn points:")
	for i, p := range c.SpawnPoints() {
		mark := " "
		if p.IsDefault {
			mark = "*"
		}
		line := fmt.Sprintf("%s %d. %s (%s) at (%.0f, %.0f)", mark, i+1, p.Name, p.ID, p.X, p.Z)
		if p.Region != "" {
			line += " in " + p.Region
		}
		fmt.Println(line)
	}

	stdin := bufio.NewScanner(os.Stdin)
	choice := *spawnChoice
	if choice == "" {
		fmt.Print("choose spawn (enter for default): ")
		if stdin.Scan() {
			choice = stdin.Text()
		}
	}

	if err := c.SelectSpawn(choice); err != nil {
		c.Disconnect()
		logger.Fatalf("spawn: %v", err)
	}
	link.placeAt(c.SpawnPosition())

	if err := c.StartSync(); err != nil {
		c.Disconnect()
		logger.Fatalf("sync: %v", err)
	}
	if *wander {
		go link.wander(c.Done())
	}

	// Anything further typed on stdin goes out as chat.
	go func() {
		for stdin.Scan() {
			line := strings.TrimSpace(stdin.Text())
			if line == "" {
				continue
			}
			if err := c.Chat(line); err != nil {
				return
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		logger.Printf("interrupted")
	case <-c.Done():
		if reason := c.KickReason(); reason != "" {
			logger.Printf("kicked by server: %s", reason)
		}
	}
	c.Disconnect()
}

// simLink is a stand-in for a real game process. It holds one local
// player, optionally drifts it around, and prints the remote players
// the server mirrors in.
type simLink struct {
	log *log.Logger

	mu      sync.Mutex
	x, y, z float64
	health  float64
	placed  bool

	rng     *rand.Rand
	remotes map[string]string
}

func newSimLink(logger *log.Logger) *simLink {
	return &simLink{
		log:     logger,
		health:  100,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		remotes: map[string]string{},
	}
}

func (l *simLink) placeAt(x, y, z float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.x, l.y, l.z = x, y, z
	l.placed = true
}

func (l *simLink) LocalState() (float64, float64, float64, float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.x, l.y, l.z, l.health, l.placed
}

// wander drifts the player a step at a time, the way a real game feeds
// live positions.
func (l *simLink) wander(stop <-chan struct{}) {
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		l.mu.Lock()
		if l.placed {
			l.x += l.rng.Float64()*4 - 2
			l.z += l.rng.Float64()*4 - 2
		}
		l.mu.Unlock()
	}
}

func (l *simLink) SpawnRemote(id, name string, x, y, z float64) {
	l.mu.Lock()
	l.remotes[id] = name
	n := len(l.remotes)
	l.mu.Unlock()
	l.log.Printf("%s (%s) appeared at (%.0f, %.0f), %d nearby", name, id, x, z, n)
}

func (l *simLink) UpdateRemote(id string, x, y, z, health float64) {
	// Arrives at broadcast rate; a real game would interpolate toward
	// the new position, the demo stays quiet.
}

func (l *simLink) RemoveRemote(id string) {
	l.mu.Lock()
	name := l.remotes[id]
	delete(l.remotes, id)
	l.mu.Unlock()
	if name != "" {
		l.log.Printf("%s (%s) left", name, id)
	}
}
