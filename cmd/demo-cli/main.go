// Command secagg provides CLI tools for interacting with a secure aggregation
// deployment.
//
// # Commands
//
// demo: Run a complete aggregation round in-process, including dropout recovery.
//
//	secagg demo --clients=4 --threshold=2 --drop=1
//
// monitor: Stream finalized round results as they complete.
//
//	secagg monitor --registry=https://fl.example.com --follow
//
// status: Display deployment topology and health.
//
//	secagg status --registry=https://fl.example.com
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/octomil/secagg/model"
	"github.com/octomil/secagg/protocol"
	"github.com/octomil/secagg/services"
	"github.com/octomil/secagg/tdx"
)

// verificationConfig holds attestation verification settings.
type verificationConfig struct {
	measurementsURL  string
	skipVerification bool
}

func (v *verificationConfig) measurementSource() services.MeasurementSource {
	if v.skipVerification {
		return nil
	}
	if v.measurementsURL != "" {
		return services.NewRemoteMeasurementSource(v.measurementsURL)
	}
	return services.DemoMeasurementSource()
}

func (v *verificationConfig) attestationProvider() services.TEEProvider {
	if v.skipVerification {
		return nil
	}
	return &tdx.DummyProvider{}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "demo":
		err = runDemo(args)
	case "monitor":
		err = runMonitor(args)
	case "status":
		err = runStatus(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`secagg - CLI tools for secure aggregation deployments

Usage:
  secagg <command> [options]

Commands:
  demo      Run a full aggregation round in-process
  monitor   Stream finalized round results
  status    Display deployment status

Run 'secagg <command> --help' for command-specific options.`)
}

// --- Demo Command ---

// constantTrainer contributes the same delta every round, making the expected
// average easy to eyeball.
type constantTrainer struct {
	value   float32
	samples int
	schema  map[string]int
}

func (t *constantTrainer) TrainRound(ctx context.Context, round int) (*model.ClientUpdate, error) {
	delta := make(model.WeightDelta, len(t.schema))
	for name, size := range t.schema {
		tensor := make([]float32, size)
		for i := range tensor {
			tensor[i] = t.value
		}
		delta[name] = tensor
	}
	return &model.ClientUpdate{Delta: delta, SampleCount: t.samples}, nil
}

// droppingTrainer never produces an update. Its client advertises a key and
// distributes seed shares, then goes silent, so the survivors must recover
// its masks.
type droppingTrainer struct{}

func (d *droppingTrainer) TrainRound(ctx context.Context, round int) (*model.ClientUpdate, error) {
	return nil, fmt.Errorf("client dropped out")
}

func runDemo(args []string) error {
	var (
		clients     = 4
		threshold   = 2
		aggregators = 1
		drop        = 1
		rounds      = 1
		basePort    = 9100
		roundLength = 2 * time.Second
		jsonOut     bool
		verbose     bool
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--clients", "-c":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &clients)
			}
		case "--threshold", "-t":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &threshold)
			}
		case "--aggregators", "-a":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &aggregators)
			}
		case "--drop", "-d":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &drop)
			}
		case "--rounds":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &rounds)
			}
		case "--base-port":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &basePort)
			}
		case "--round":
			i++
			if i < len(args) {
				roundLength, _ = time.ParseDuration(args[i])
			}
		case "--json":
			jsonOut = true
		case "--verbose", "-v":
			verbose = true
		case "--help", "-h":
			printDemoHelp()
			return nil
		}
	}

	if drop >= clients {
		return fmt.Errorf("--drop must leave at least one client (%d of %d would drop)", drop, clients)
	}
	if clients-drop < threshold {
		return fmt.Errorf("%d survivors cannot meet recovery threshold %d", clients-drop, threshold)
	}

	deployment := &protocol.SecAggConfig{
		NumClients:       clients,
		Threshold:        threshold,
		MaxWeightNorm:    100,
		QuantizationBits: 16,
		RoundDuration:    roundLength,
		TensorSchema:     map[string]int{"dense/kernel": 16, "dense/bias": 4},
	}
	if err := deployment.Validate(); err != nil {
		return err
	}

	trainers := make([]services.Trainer, 0, clients)
	for i := 0; i < clients-drop; i++ {
		trainers = append(trainers, &constantTrainer{
			value:   float32(i + 1),
			samples: 10,
			schema:  deployment.TensorSchema,
		})
	}
	for i := 0; i < drop; i++ {
		trainers = append(trainers, &droppingTrainer{})
	}

	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	orchestrator, err := services.NewOrchestrator(&services.OrchestratorConfig{
		Deployment:     deployment,
		NumAggregators: aggregators,
		BasePort:       basePort,
		AdminToken:     "demo:demo",
		Trainers:       trainers,
		Log:            log,
	})
	if err != nil {
		return err
	}

	if err := orchestrator.Deploy(); err != nil {
		return fmt.Errorf("deploy: %w", err)
	}
	defer orchestrator.Shutdown()

	fmt.Fprintf(os.Stderr, "Deployed registry, coordinator, %d aggregator(s), %d client(s) on ports %d-%d\n",
		aggregators, clients, basePort-1, basePort+aggregators+clients)
	if drop > 0 {
		fmt.Fprintf(os.Stderr, "%d client(s) will go silent after distributing seed shares\n", drop)
	}
	fmt.Fprintf(os.Stderr, "Waiting for %d round(s) of %s each...\n", rounds, roundLength)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	// Services deployed mid-round sit out until the next key advertisement
	// phase, so the first result can take up to two full rounds.
	deadline := time.Now().Add(time.Duration(rounds+3) * roundLength)
	ticker := time.NewTicker(roundLength / 8)
	defer ticker.Stop()

	printed := 0
	for printed < rounds {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			results := orchestrator.RoundResults()
			for _, result := range results[printed:] {
				if err := printRoundResult(result, jsonOut, os.Stdout); err != nil {
					return err
				}
				printed++
				if printed >= rounds {
					break
				}
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("no result after %s; too many drops or round too short?", time.Duration(rounds+3)*roundLength)
			}
		}
	}

	return nil
}

func printDemoHelp() {
	fmt.Println(`secagg demo - Run a full aggregation round in-process

Deploys a registry, a coordinator, aggregators, and clients inside this
process, waits for rounds to finalize, and prints the averaged deltas.
Surviving client i contributes a delta with every element i+1, so with one
dropout out of four clients the expected average is (1+2+3)/3 = 2.

Options:
  --clients, -c       Number of clients (default: 4)
  --threshold, -t     Seed share recovery threshold (default: 2)
  --aggregators, -a   Number of aggregators (default: 1)
  --drop, -d          Clients that drop mid-round (default: 1)
  --rounds            Rounds to wait for (default: 1)
  --round             Round duration (default: 2s)
  --base-port         First port for deployed services (default: 9100)
  --json              Print results as JSON
  --verbose, -v       Show service logs

Examples:
  secagg demo
  secagg demo --clients=6 --threshold=3 --drop=2 --rounds=3`)
}

// ResultOutput is the JSON form of a finalized round.
type ResultOutput struct {
	RoundNumber  int                  `json:"round_number"`
	Timestamp    time.Time            `json:"timestamp"`
	Participants int                  `json:"participants"`
	Dropped      int                  `json:"dropped"`
	TotalSamples int                  `json:"total_samples"`
	Average      map[string][]float32 `json:"average"`
}

func printRoundResult(result *protocol.RoundResult, jsonOut bool, output io.Writer) error {
	if jsonOut {
		out := ResultOutput{
			RoundNumber:  result.RoundNumber,
			Timestamp:    time.Now(),
			Participants: len(result.Participants),
			Dropped:      len(result.Dropped),
			TotalSamples: result.TotalSamples,
			Average:      result.Average,
		}
		enc := json.NewEncoder(output)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(output, "=== Round %d ===\n", result.RoundNumber)
	fmt.Fprintf(output, "Participants: %d, dropped: %d, total samples: %d\n",
		len(result.Participants), len(result.Dropped), result.TotalSamples)
	for _, name := range result.Average.SortedNames() {
		values := result.Average[name]
		shown := values
		suffix := ""
		if len(shown) > 8 {
			shown = shown[:8]
			suffix = " ..."
		}
		fmt.Fprintf(output, "  %s: %v%s\n", name, shown, suffix)
	}
	fmt.Fprintln(output, "================")
	return nil
}

// --- Monitor Command ---

func runMonitor(args []string) error {
	var (
		registryURL string
		format      string
		follow      bool
		roundNumber int
		outputFile  string
		verifyCfg   verificationConfig
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--registry", "-r":
			i++
			if i < len(args) {
				registryURL = args[i]
			}
		case "--format", "-f":
			i++
			if i < len(args) {
				format = args[i]
			}
		case "--follow":
			follow = true
		case "--round":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &roundNumber)
			}
		case "--output", "-o":
			i++
			if i < len(args) {
				outputFile = args[i]
			}
		case "--measurements-url":
			i++
			if i < len(args) {
				verifyCfg.measurementsURL = args[i]
			}
		case "--skip-verification":
			verifyCfg.skipVerification = true
		case "--help", "-h":
			printMonitorHelp()
			return nil
		}
	}

	if registryURL == "" {
		return fmt.Errorf("--registry is required")
	}
	if format == "" {
		format = "text"
	}

	return monitorRounds(registryURL, format, follow, roundNumber, outputFile, &verifyCfg)
}

func printMonitorHelp() {
	fmt.Println(`secagg monitor - Stream finalized round results

Usage:
  secagg monitor --registry=<url> [options]

Options:
  --registry, -r        Registry URL (required)
  --format, -f          Output format: text, json (default: text)
  --follow              Continuously stream new rounds
  --round               Fetch a specific round number
  --output, -o          Write output to file
  --measurements-url    URL for allowed TEE measurements
  --skip-verification   Skip attestation verification (insecure)

Examples:
  secagg monitor -r https://fl.example.com
  secagg monitor -r https://fl.example.com --format=json --follow`)
}

func monitorRounds(registryURL, format string, follow bool, specificRound int, outputFile string, verifyCfg *verificationConfig) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	httpClient := &http.Client{Timeout: 30 * time.Second}

	deployment, err := fetchConfig(httpClient, registryURL)
	if err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}

	serviceList, err := fetchServices(httpClient, registryURL)
	if err != nil {
		return fmt.Errorf("fetch services: %w", err)
	}

	if len(serviceList.Coordinators) == 0 {
		return fmt.Errorf("no coordinators available")
	}

	fmt.Fprintln(os.Stderr, "Verifying coordinator attestations...")
	verifiedCoordinators, err := verifyServices(serviceList.Coordinators, verifyCfg)
	if err != nil {
		return fmt.Errorf("coordinator verification: %w", err)
	}
	if len(verifiedCoordinators) == 0 {
		return fmt.Errorf("no coordinators passed attestation verification")
	}
	fmt.Fprintf(os.Stderr, "Verified %d coordinator(s)\n", len(verifiedCoordinators))

	var output io.Writer = os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		output = f
	}

	if specificRound > 0 {
		return fetchAndPrintResult(httpClient, verifiedCoordinators, specificRound, format, output)
	}

	currentRound := protocol.RoundForTime(time.Now(), deployment.RoundDuration)
	lastPrintedRound := currentRound.Number - 1

	if !follow {
		return fetchAndPrintResult(httpClient, verifiedCoordinators, lastPrintedRound, format, output)
	}

	fmt.Fprintln(os.Stderr, "Monitoring round results (Ctrl+C to stop)...")

	ticker := time.NewTicker(deployment.RoundDuration / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			currentRound = protocol.RoundForTime(time.Now(), deployment.RoundDuration)

			for round := lastPrintedRound + 1; round < currentRound.Number; round++ {
				if err := fetchAndPrintResult(httpClient, verifiedCoordinators, round, format, output); err == nil {
					lastPrintedRound = round
				}
			}
		}
	}
}

func fetchAndPrintResult(httpClient *http.Client, coordinators []*protocol.Signed[services.RegisteredService], roundNumber int, format string, output io.Writer) error {
	var result *protocol.RoundResult

	for _, coord := range coordinators {
		r, err := fetchAndVerifyResult(httpClient, coord, roundNumber)
		if err == nil {
			result = r
			break
		}
	}

	if result == nil {
		return fmt.Errorf("round %d not available", roundNumber)
	}

	return printRoundResult(result, format == "json", output)
}

func fetchAndVerifyResult(httpClient *http.Client, coordinator *protocol.Signed[services.RegisteredService], roundNumber int) (*protocol.RoundResult, error) {
	url := fmt.Sprintf("%s/result/%d", coordinator.Object.HTTPEndpoint, roundNumber)
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var envelope services.RoundResultEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}

	if envelope.Result == nil {
		return nil, fmt.Errorf("no result")
	}

	result, signer, err := envelope.Result.Recover()
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}

	if signer.String() != coordinator.Object.PublicKey {
		return nil, fmt.Errorf("result signed by unexpected key")
	}

	return result, nil
}

// --- Status Command ---

func runStatus(args []string) error {
	var (
		registryURL string
		verifyCfg   verificationConfig
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--registry", "-r":
			i++
			if i < len(args) {
				registryURL = args[i]
			}
		case "--measurements-url":
			i++
			if i < len(args) {
				verifyCfg.measurementsURL = args[i]
			}
		case "--skip-verification":
			verifyCfg.skipVerification = true
		case "--help", "-h":
			printStatusHelp()
			return nil
		}
	}

	if registryURL == "" {
		return fmt.Errorf("--registry is required")
	}

	return showStatus(registryURL, &verifyCfg)
}

func printStatusHelp() {
	fmt.Println(`secagg status - Display deployment status

Usage:
  secagg status --registry=<url>

Options:
  --registry, -r        Registry URL (required)
  --measurements-url    URL for allowed TEE measurements
  --skip-verification   Skip attestation verification (insecure)

Example:
  secagg status -r https://fl.example.com`)
}

func showStatus(registryURL string, verifyCfg *verificationConfig) error {
	httpClient := &http.Client{Timeout: 10 * time.Second}

	deployment, err := fetchConfig(httpClient, registryURL)
	if err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}

	serviceList, err := fetchServices(httpClient, registryURL)
	if err != nil {
		return fmt.Errorf("fetch services: %w", err)
	}

	currentRound := protocol.RoundForTime(time.Now(), deployment.RoundDuration)
	nextPhaseTime := protocol.TimeForRound(currentRound.Advance(), deployment.RoundDuration)
	timeUntilNext := time.Until(nextPhaseTime)

	verifiedCoordinators, _ := verifyServices(serviceList.Coordinators, verifyCfg)
	verifiedAggregators, _ := verifyServices(serviceList.Aggregators, verifyCfg)

	coordinatorsOnline := 0
	for _, coord := range verifiedCoordinators {
		if checkHealth(httpClient, coord.Object.HTTPEndpoint) {
			coordinatorsOnline++
		}
	}

	aggregatorsOnline := 0
	for _, agg := range verifiedAggregators {
		if checkHealth(httpClient, agg.Object.HTTPEndpoint) {
			aggregatorsOnline++
		}
	}

	fmt.Printf("Registry: %s\n", registryURL)
	fmt.Printf("Round: %d, phase %s (next phase in %.1fs)\n",
		currentRound.Number, currentRound.Phase.String(), timeUntilNext.Seconds())
	fmt.Printf("Coordinators: %d/%d online (%d/%d attested)\n",
		coordinatorsOnline, len(verifiedCoordinators), len(verifiedCoordinators), len(serviceList.Coordinators))
	fmt.Printf("Aggregators: %d/%d online (%d/%d attested)\n",
		aggregatorsOnline, len(verifiedAggregators), len(verifiedAggregators), len(serviceList.Aggregators))
	fmt.Printf("Clients: %d registered\n", len(serviceList.Clients))
	fmt.Println("Config:")
	fmt.Printf("  Round duration: %s\n", deployment.RoundDuration)
	fmt.Printf("  Clients per round: %d\n", deployment.NumClients)
	fmt.Printf("  Recovery threshold: %d\n", deployment.Threshold)
	fmt.Printf("  Max weight norm: %g\n", deployment.MaxWeightNorm)
	if deployment.QuantizationBits > 0 {
		fmt.Printf("  Quantization: %d-bit\n", deployment.QuantizationBits)
	} else {
		fmt.Println("  Quantization: none")
	}
	if deployment.Privacy != nil {
		fmt.Printf("  Privacy: epsilon=%g delta=%g\n", deployment.Privacy.Epsilon, deployment.Privacy.Delta)
	} else {
		fmt.Println("  Privacy: clipping only")
	}
	fmt.Printf("  Model: %d parameters across %d tensors\n", deployment.NumParams(), len(deployment.TensorSchema))

	return nil
}

func checkHealth(httpClient *http.Client, endpoint string) bool {
	resp, err := httpClient.Get(endpoint + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// --- Shared Utilities ---

func verifyServices(signedServices []*protocol.Signed[services.RegisteredService], verifyCfg *verificationConfig) ([]*protocol.Signed[services.RegisteredService], error) {
	if verifyCfg.skipVerification {
		return signedServices, nil
	}

	measurementSource := verifyCfg.measurementSource()
	attestationProvider := verifyCfg.attestationProvider()

	verified := make([]*protocol.Signed[services.RegisteredService], 0, len(signedServices))

	for _, signed := range signedServices {
		_, err := services.VerifyRegisteredService(measurementSource, attestationProvider, signed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: attestation verification failed for %s: %v\n", signed.Object.HTTPEndpoint, err)
			continue
		}
		verified = append(verified, signed)
	}

	return verified, nil
}

func fetchConfig(httpClient *http.Client, registryURL string) (*protocol.SecAggConfig, error) {
	resp, err := httpClient.Get(registryURL + "/config")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned %d", resp.StatusCode)
	}

	return protocol.DecodeMessage[protocol.SecAggConfig](resp.Body)
}

func fetchServices(httpClient *http.Client, registryURL string) (*services.ServiceListResponse, error) {
	resp, err := httpClient.Get(registryURL + "/services")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned %d", resp.StatusCode)
	}

	var list services.ServiceListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}
	return &list, nil
}
