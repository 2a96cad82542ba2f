package health

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/MrWong99/callrelay/internal/resilience"
)

// BinaryLocator reports whether an external binary can be found.
// *audio.Transcoder satisfies it.
type BinaryLocator interface {
	LookPath() error
}

// Pinger is anything that can check a backing connection, such as a
// *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Transcoder fails when the transcoder binary cannot be resolved.
func Transcoder(l BinaryLocator) Checker {
	return Checker{
		Name: "transcoder",
		Check: func(context.Context) error { return l.LookPath() },
	}
}

// Ping wraps a [Pinger] under name.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Breakers reports open provider breakers. The relay is degraded while at
// least one provider still accepts sessions and fails once every breaker is
// open.
func Breakers(b *resilience.Breakers) Checker {
	return Checker{
		Name: "providers",
		Check: func(context.Context) error {
			states := b.States()
			var open []string
			for name, s := range states {
				if s == resilience.StateOpen {
					open = append(open, name)
				}
			}
			if len(open) == 0 {
				return nil
			}
			sort.Strings(open)
			err := fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
			if len(open) < len(states) {
				return Degraded(err)
			}
			return err
		},
	}
}
