// Command simulator drives one cab toward a target through the dispatch API's
// location route, one report per interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/example/cab-dispatch/internal/logging"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/simulate"
)

func main() {
	var (
		server   string
		cabID    string
		from     string
		to       string
		steps    int
		interval time.Duration
		logLevel string
	)
	flag.StringVar(&server, "server", "http://localhost:8080", "dispatch API base URL")
	flag.StringVar(&cabID, "cab", "", "cab id to move")
	flag.StringVar(&from, "from", "", "start position as lat,lng")
	flag.StringVar(&to, "to", "", "target position as lat,lng")
	flag.IntVar(&steps, "steps", simulate.DefaultSteps, "number of steps along the path")
	flag.DurationVar(&interval, "interval", simulate.DefaultInterval, "delay between reports")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.Parse()

	logger := logging.NewLogger(logLevel, "console")
	start, err := parseLatLng(from)
	if err != nil {
		fmt.Fprintf(os.Stderr, "-from: %v\n", err)
		os.Exit(2)
	}
	target, err := parseLatLng(to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "-to: %v\n", err)
		os.Exit(2)
	}
	if cabID == "" {
		fmt.Fprintln(os.Stderr, "-cab is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := simulate.New(simulate.NewHTTPReporter(server, 5*time.Second), simulate.Config{Steps: steps, Interval: interval}, logger)
	res, err := sim.Run(ctx, simulate.Route{CabID: cabID, From: start, To: target})
	if err != nil {
		logger.Error("simulation stopped", "cab_id", cabID, "reports", res.Reports, "error", err)
		os.Exit(1)
	}
	logger.Info("simulation finished", "cab_id", cabID, "reports", res.Reports, "arrived", res.Arrived, "last", res.Last.String())
}

func parseLatLng(s string) (models.Position, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return models.Position{}, fmt.Errorf("want lat,lng, got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return models.Position{}, err
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return models.Position{}, err
	}
	p := models.Position{Lat: lat, Lng: lng}
	if !p.Valid() {
		return models.Position{}, fmt.Errorf("%s is out of range", p)
	}
	return p, nil
}
