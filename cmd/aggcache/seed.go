package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryhazerus/aggcache/source"
)

var seedPlatforms = []string{"tiktok", "instagram", "youtube", "facebook", "linkedin"}

type seedOptions struct {
	clients     int
	accounts    int
	days        int
	postsPerDay int
	seed        uint64
	rebuild     bool
}

func newSeedCmd(a *app) *cobra.Command {
	o := seedOptions{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the database with sample posts and build the precomputed aggregates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			src, err := a.openSource(ctx)
			if err != nil {
				return err
			}
			defer src.Close()

			records := sampleRecords(o, time.Now())
			if err := src.PutRecords(ctx, records...); err != nil {
				return err
			}
			a.logger.Info("seeded posts", zap.Int("records", len(records)), zap.String("dsn", a.cfg.DBDSN))

			if o.rebuild {
				for _, target := range []string{source.TargetDailyAgg, source.TargetPostAgg} {
					if err := src.Rebuild(ctx, target); err != nil {
						return fmt.Errorf("seed: rebuild %s: %w", target, err)
					}
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %s with %d posts for %d clients.\n", a.cfg.DBDSN, len(records), o.clients)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&o.clients, "clients", 3, "number of clients")
	f.IntVar(&o.accounts, "accounts", 2, "accounts per client and platform")
	f.IntVar(&o.days, "days", 90, "days of history ending today")
	f.IntVar(&o.postsPerDay, "posts-per-day", 4, "posts per client per day")
	f.Uint64Var(&o.seed, "seed", 1, "random seed")
	f.BoolVar(&o.rebuild, "rebuild", true, "build the precomputed aggregates after seeding")
	return cmd
}

// sampleRecords generates deterministic posts for o ending on now's UTC day.
// Post IDs are stable across runs so reseeding replaces rather than adds.
func sampleRecords(o seedOptions, now time.Time) []source.Record {
	rng := rand.New(rand.NewPCG(o.seed, o.seed))
	today := now.UTC().Truncate(24 * time.Hour)

	var out []source.Record
	for c := 1; c <= o.clients; c++ {
		for d := o.days - 1; d >= 0; d-- {
			day := today.AddDate(0, 0, -d).Format(source.DayLayout)
			for p := 0; p < o.postsPerDay; p++ {
				platform := seedPlatforms[rng.IntN(len(seedPlatforms))]
				views := rng.Int64N(5000)
				out = append(out, source.Record{
					ID:        fmt.Sprintf("c%d-%s-%d", c, day, p),
					ClientID:  fmt.Sprint(c),
					AccountID: fmt.Sprintf("%s-acc-%d", platform, rng.IntN(max(o.accounts, 1))+1),
					Platform:  platform,
					Day:       day,
					Views:     views,
					Likes:     views / int64(10+rng.IntN(20)),
					Comments:  views / int64(50+rng.IntN(100)),
					Shares:    views / int64(100+rng.IntN(200)),
				})
			}
		}
	}
	return out
}
