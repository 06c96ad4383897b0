package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/tributary-ai/traffic-router/internal/traffic"
	"github.com/tributary-ai/traffic-router/internal/types"
)

// Set by the linker at release time
var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "traffic-router",
		Short: "Traffic-aware route planning behind a resilient provider executor",
		Long: `traffic-router plans routes through TomTom, samples live traffic flow along
every segment and turns the samples into an overall verdict. Every upstream
call runs through a rate limiter, a circuit breaker and a retry policy.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newAnalyzeCmd(&configPath),
		newPointCmd(&configPath),
		newVersionCmd(),
	)

	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Example: `  traffic-router serve --config configs/config.yaml
  TOMTOM_API_KEY=xxx TRAFFIC_ROUTER_NARRATOR=openai OPENAI_API_KEY=sk-xxx traffic-router serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := NewApplication(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			return app.Serve(ctx)
		},
	}
}

func newAnalyzeCmd(configPath *string) *cobra.Command {
	var (
		routeFile string
		point     string
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyse the traffic along a route description",
		Long: `Reads a route description (or a request body with a "route" field) and prints
the traffic verdict as JSON. With --point only the segment nearest that
coordinate is analysed.`,
		Example: `  traffic-router analyze --route route.json
  traffic-router analyze --route - --point 52.52,13.405 < route.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if routeFile == "" {
				return fmt.Errorf("--route is required")
			}

			route, err := readRoute(routeFile, cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app, err := NewApplication(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			var result interface{}
			if point != "" {
				coord, err := parseCoordinate(point)
				if err != nil {
					return err
				}
				result, err = app.router.AnalyzeInstruction(ctx, route, coord)
				if err != nil {
					return err
				}
			} else {
				verdict, err := app.router.AnalyzeTraffic(ctx, route)
				if err != nil {
					return err
				}
				result = &types.TrafficResponse{Traffic: verdict, JamPairs: traffic.ExtractJamPairs(route)}
			}

			return writeIndented(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVarP(&routeFile, "route", "r", "", "Route JSON file, - for stdin")
	cmd.Flags().StringVar(&point, "point", "", "Analyse only the segment nearest lat,lon")
	return cmd
}

func newPointCmd(configPath *string) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:     "point",
		Short:   "Print the live traffic on the road nearest a location",
		Example: `  traffic-router point --at 52.52,13.405`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if at == "" {
				return fmt.Errorf("--at is required")
			}
			coord, err := parseCoordinate(at)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app, err := NewApplication(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			verdict, err := app.router.AnalyzePoint(ctx, coord)
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), &types.PointTrafficResponse{Location: coord, Condition: *verdict})
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "Location as lat,lon")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Traffic Router %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", buildDate)
		},
	}
}

func writeIndented(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readRoute accepts a bare route description or any document with a "route" field
func readRoute(path string, stdin io.Reader) (*types.RouteDescription, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading route: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("route file %s is not valid JSON", path)
	}

	if nested := gjson.GetBytes(data, "route"); nested.IsObject() {
		data = []byte(nested.Raw)
	}

	var route types.RouteDescription
	if err := json.Unmarshal(data, &route); err != nil {
		return nil, fmt.Errorf("decoding route: %w", err)
	}
	return &route, nil
}

func parseCoordinate(raw string) (types.Coordinate, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return types.Coordinate{}, fmt.Errorf("point must be lat,lon: %q", raw)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return types.Coordinate{}, fmt.Errorf("invalid latitude %q: %w", parts[0], err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return types.Coordinate{}, fmt.Errorf("invalid longitude %q: %w", parts[1], err)
	}
	coord := types.Coordinate{Lat: lat, Lon: lon}
	if err := coord.Validate(); err != nil {
		return types.Coordinate{}, err
	}
	return coord, nil
}
