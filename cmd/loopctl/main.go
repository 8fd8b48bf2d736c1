package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type client struct {
	baseURL    string
	httpClient *http.Client
}

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient(baseURL string) *client {
	return &client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *client) request(method, path string, body any) (int, []byte, error) {
	var buf *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		buf = bytes.NewReader(b)
	} else {
		buf = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.baseURL+path, buf)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, nil
}

func (c *client) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(c.baseURL, "http") + path
}

func main() {
	baseURL := getenv("LOOPMAKER_BASE_URL", "http://localhost:8000")
	ui := newUI()

	root := &cobra.Command{
		Use:   "loopctl",
		Short: "LoopMaker backend CLI",
		Long:  "loopctl drives a local LoopMaker backend: health checks, model management, and music generation.",
	}
	root.SilenceUsage = true
	root.PersistentFlags().StringVar(&baseURL, "base-url", baseURL, "Backend base URL")

	root.AddCommand(healthCmd(&baseURL, ui))
	root.AddCommand(modelsCmd(&baseURL, ui))
	root.AddCommand(downloadCmd(&baseURL, ui))
	root.AddCommand(unloadCmd(&baseURL, ui))
	root.AddCommand(generateCmd(&baseURL, ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func healthCmd(baseURL *string, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check backend health",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL)
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Checking backend..."
			spin.Start()
			status, resp, err := c.request("GET", "/health", nil)
			spin.Stop()
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("backend unhealthy (HTTP %d): %s", status, resp)
			}
			var out struct {
				Status       string   `json:"status"`
				Device       string   `json:"device"`
				ModelsLoaded []string `json:"models_loaded"`
			}
			if err := json.Unmarshal(resp, &out); err != nil {
				return err
			}
			fmt.Printf("%s backend %s, device %s\n", ui.ok("[OK]"), out.Status, ui.info(out.Device))
			if len(out.ModelsLoaded) > 0 {
				fmt.Printf("%s loaded: %s\n", ui.dim("   "), strings.Join(out.ModelsLoaded, ", "))
			}
			return nil
		},
	}
}

func modelsCmd(baseURL *string, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Show model status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL)
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Fetching model status..."
			spin.Start()
			status, resp, err := c.request("GET", "/models/status", nil)
			spin.Stop()
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("HTTP %d: %s", status, resp)
			}
			var out struct {
				Device string `json:"device"`
				Models map[string]struct {
					Downloaded     bool    `json:"downloaded"`
					Loaded         bool    `json:"loaded"`
					SizeGB         float64 `json:"size_gb"`
					MaxDuration    float64 `json:"max_duration"`
					SupportsLyrics bool    `json:"supports_lyrics"`
				} `json:"models"`
			}
			if err := json.Unmarshal(resp, &out); err != nil {
				return err
			}
			fmt.Println(ui.title("Models"), ui.dim("(device: "+out.Device+")"))
			for name, m := range out.Models {
				state := ui.warn("not downloaded")
				if m.Loaded {
					state = ui.ok("loaded")
				} else if m.Downloaded {
					state = ui.info("downloaded")
				}
				fmt.Printf("  %-12s %s  %.1f GB, up to %.0fs, lyrics: %v\n",
					name, state, m.SizeGB, m.MaxDuration, m.SupportsLyrics)
			}
			return nil
		},
	}
}

func downloadCmd(baseURL *string, ui *ui) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download model weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL)
			body, _ := json.Marshal(map[string]string{"model": model})
			resp, err := c.httpClient.Post(c.baseURL+"/models/download", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				out, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("HTTP %d: %s", resp.StatusCode, out)
			}

			bar := newPercentBar("Downloading " + model)
			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				var line struct {
					Status   string  `json:"status"`
					Progress float64 `json:"progress"`
					Message  string  `json:"message"`
					Error    string  `json:"error"`
				}
				if json.Unmarshal(scanner.Bytes(), &line) != nil {
					continue
				}
				switch line.Status {
				case "downloading":
					if line.Message != "" {
						bar.Describe(line.Message)
					}
					_ = bar.Set(int(line.Progress * 100))
				case "error":
					_ = bar.Clear()
					return errors.New(line.Error)
				case "complete":
					_ = bar.Finish()
					fmt.Printf("%s %s ready\n", ui.ok("[OK]"), model)
					return nil
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			return errors.New("download stream ended without completion")
		},
	}
	cmd.Flags().StringVar(&model, "model", "acestep", "Model to download")
	return cmd
}

func unloadCmd(baseURL *string, ui *ui) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "unload",
		Short: "Unload a model from memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL)
			status, resp, err := c.request("DELETE", "/models/"+url.PathEscape(model), nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("HTTP %d: %s", status, resp)
			}
			var out struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(resp, &out); err != nil {
				return err
			}
			if out.Status == "not_loaded" {
				fmt.Printf("%s %s was not loaded\n", ui.warn("[WARN]"), model)
				return nil
			}
			fmt.Printf("%s %s unloaded\n", ui.ok("[OK]"), model)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "acestep", "Model to unload")
	return cmd
}

func generateCmd(baseURL *string, ui *ui) *cobra.Command {
	var (
		prompt   string
		duration float64
		quality  string
		model    string
		lyrics   string
		batch    int
		seed     int64
		bpm      int
		key      string
		timeSig  string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate music",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(prompt) == "" {
				return errors.New("--prompt is required")
			}
			c := newClient(*baseURL)

			req := map[string]any{
				"prompt":       prompt,
				"duration":     duration,
				"quality_mode": quality,
				"model":        model,
				"batch_size":   batch,
			}
			if cmd.Flags().Changed("seed") {
				req["seed"] = seed
			}
			if cmd.Flags().Changed("lyrics") {
				req["lyrics"] = lyrics
			}
			if bpm > 0 {
				req["bpm"] = bpm
			}
			if key != "" {
				req["music_key"] = key
			}
			if timeSig != "" {
				req["time_signature"] = timeSig
			}

			conn, _, err := websocket.DefaultDialer.Dial(c.wsURL("/ws/generate"), nil)
			if err != nil {
				return fmt.Errorf("connect: %w (is the backend running?)", err)
			}
			defer conn.Close()
			if err := conn.WriteJSON(req); err != nil {
				return err
			}

			bar := newPercentBar("Generating")
			for {
				var f struct {
					Type       string    `json:"type"`
					Progress   float64   `json:"progress"`
					Message    string    `json:"message"`
					Detail     string    `json:"detail"`
					AudioPaths []string  `json:"audio_paths"`
					Durations  []float64 `json:"durations"`
					Seed       int64     `json:"seed"`
				}
				if err := conn.ReadJSON(&f); err != nil {
					_ = bar.Clear()
					return fmt.Errorf("session closed: %w", err)
				}
				switch f.Type {
				case "progress":
					bar.Describe(f.Message)
					_ = bar.Set(int(f.Progress * 100))
				case "heartbeat":
					// keepalive only
				case "error":
					_ = bar.Clear()
					return errors.New(f.Detail)
				case "complete":
					_ = bar.Finish()
					fmt.Printf("%s %d track(s), seed %d\n", ui.ok("[DONE]"), len(f.AudioPaths), f.Seed)
					for i, path := range f.AudioPaths {
						fmt.Printf("  %s %s (%.1fs)\n", ui.dim("->"), path, f.Durations[i])
					}
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "Music description")
	cmd.Flags().Float64Var(&duration, "duration", 30, "Track length in seconds")
	cmd.Flags().StringVar(&quality, "quality", "fast", "Quality tier: draft, fast, quality")
	cmd.Flags().StringVar(&model, "model", "acestep", "Model to use")
	cmd.Flags().StringVar(&lyrics, "lyrics", "", "Lyrics (omit for instrumental)")
	cmd.Flags().IntVar(&batch, "batch", 1, "Number of variations")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Fixed seed for reproducible output")
	cmd.Flags().IntVar(&bpm, "bpm", 0, "Tempo hint")
	cmd.Flags().StringVar(&key, "key", "", "Musical key hint, e.g. 'A minor'")
	cmd.Flags().StringVar(&timeSig, "time-signature", "", "Time signature hint, e.g. '4/4'")
	return cmd
}

func newPercentBar(description string) *progressbar.ProgressBar {
	opts := []progressbar.Option{
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(24),
		progressbar.OptionClearOnFinish(),
	}
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		opts = append(opts, progressbar.OptionSetWriter(io.Discard))
	}
	return progressbar.NewOptions(100, opts...)
}
