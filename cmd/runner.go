package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/halcyonfm/aria/internal/auth"
	"github.com/halcyonfm/aria/internal/repositories"
	"github.com/halcyonfm/aria/internal/server"
	"github.com/halcyonfm/aria/internal/services"
	"github.com/halcyonfm/aria/internal/shared"
)

// upstreamTimeout bounds every outbound call to a token endpoint or catalog API.
const upstreamTimeout = 15 * time.Second

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config     *shared.Config
	httpClient *http.Client
	logger     *log.Logger
	output     io.Writer
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config
	HTTPClient *http.Client
	Logger     *log.Logger
	Output     io.Writer
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: upstreamTimeout}
	}

	return &Runner{
		config:     opts.Config,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		output:     opts.Output,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		serveCommand, tokenCommand, setupCommand, sessionCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// Serve builds the full credential/proxy stack and runs the HTTP server.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	config, err := r.loadConfig(cmd.String("config"))
	if err != nil {
		return err
	}

	db, err := shared.NewDatabase(config.Database.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrMissingConfig, err)
	}
	defer db.Close()
	shared.ConfigureDatabase(db, config.Database.MaxOpenConns, config.Database.MaxIdleConns)

	if err := shared.RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	spotifyCfg := config.Credentials.Spotify
	tokens, err := auth.NewTokenManager(spotifyCfg.ClientID, spotifyCfg.ClientSecret, auth.SpotifyTokenURL(), r.httpClient)
	if err != nil {
		return fmt.Errorf("spotify credentials: %w", err)
	}

	refresher, err := auth.NewSessionRefresher(spotifyCfg.ClientID, spotifyCfg.ClientSecret, auth.SpotifyTokenURL(), r.httpClient)
	if err != nil {
		return fmt.Errorf("spotify credentials: %w", err)
	}

	developer, err := r.developerToken(config)
	if err != nil {
		return err
	}

	sessions := repositories.NewSessionRepository(db)
	spotify := services.NewSpotifyClient(tokens, r.httpClient)
	apple := services.NewAppleClient(developer, r.httpClient)

	cookieName := config.Session.CookieName
	if cookieName == "" {
		cookieName = "aria_session"
	}

	router := server.NewBasicRouter()
	router.Use(server.Logging(r.logger))
	if config.Server.RateLimit > 0 {
		router.Use(server.RateLimit(config.Server.RateLimit))
	}

	router.Handler(&server.HealthHandler{})
	router.Handler(server.NewProxyHandler(spotify, apple, developer, refresher, sessions, cookieName, r.logger))
	router.Handler(server.NewAuthHandler(auth.OAuthConfig(spotifyCfg), sessions, cookieName, r.logger))

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	r.logger.Info("starting server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Token signs and prints a developer token.
func (r *Runner) Token(ctx context.Context, cmd *cli.Command) error {
	config, err := r.loadConfig(cmd.String("config"))
	if err != nil {
		return err
	}

	developer, err := r.developerToken(config)
	if err != nil {
		return err
	}

	token, err := developer.Generate()
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(map[string]string{"token": token}, cmd.Bool("pretty"))
	}

	return r.writePlain("%s\n", token)
}

// Setup writes the example config file and initializes the database.
func (r *Runner) Setup(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := shared.CreateConfigFile(configPath); err != nil {
			return fmt.Errorf("failed to create config: %w", err)
		}
		r.writePlain("Created %s\n", configPath)
	}

	config, err := r.loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := shared.NewDatabase(config.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if cmd.Bool("rollback") {
		if err := shared.RollbackMigration(db); err != nil {
			return err
		}
		r.writePlain("Rolled back last migration\n")
		return nil
	}

	if err := shared.RunMigrations(db); err != nil {
		return err
	}

	r.writePlain("Database ready at %s\n", config.Database.Path)
	return nil
}

// SessionList prints stored user sessions without token material.
func (r *Runner) SessionList(ctx context.Context, cmd *cli.Command) error {
	sessions, db, err := r.sessionRepo(cmd.String("config"))
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := sessions.List(nil)
	if err != nil {
		return err
	}

	type sessionSummary struct {
		ID        string    `json:"id"`
		Provider  string    `json:"provider"`
		ExpiresAt time.Time `json:"expires_at"`
		CreatedAt time.Time `json:"created_at"`
	}

	summaries := make([]sessionSummary, 0, len(records))
	for _, s := range records {
		summaries = append(summaries, sessionSummary{
			ID:        s.ID(),
			Provider:  s.Provider(),
			ExpiresAt: s.ExpiresAt(),
			CreatedAt: s.CreatedAt(),
		})
	}

	return r.writeJSON(summaries, true)
}

// SessionRevoke soft-deletes a stored session by id.
func (r *Runner) SessionRevoke(ctx context.Context, cmd *cli.Command) error {
	id := cmd.StringArg("id")
	if id == "" {
		return fmt.Errorf("%w: session id", shared.ErrMissingArgument)
	}

	sessions, db, err := r.sessionRepo(cmd.String("config"))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := sessions.Delete(id); err != nil {
		return err
	}

	r.writePlain("Revoked session %s\n", id)
	return nil
}

// loadConfig reads the config file at path, falling back to defaults plus
// environment overrides when the file does not exist.
func (r *Runner) loadConfig(path string) (*shared.Config, error) {
	if path == "" {
		path = "config.toml"
	}

	if _, err := os.Stat(path); err != nil {
		return shared.DefaultConfig(), nil
	}

	config, err := shared.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// developerToken builds the Apple developer-token signer from config.
func (r *Runner) developerToken(config *shared.Config) (*auth.DeveloperToken, error) {
	key, err := config.ApplePrivateKey()
	if err != nil {
		return nil, err
	}

	return auth.NewDeveloperToken(key, config.Credentials.Apple.KeyID, config.Credentials.Apple.TeamID), nil
}

// sessionRepo opens the configured database and returns a session repository.
func (r *Runner) sessionRepo(configPath string) (*repositories.SessionRepository, io.Closer, error) {
	config, err := r.loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	db, err := shared.NewDatabase(config.Database.Path)
	if err != nil {
		return nil, nil, err
	}

	if err := shared.RunMigrations(db); err != nil {
		db.Close()
		return nil, nil, err
	}

	return repositories.NewSessionRepository(db), db, nil
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
