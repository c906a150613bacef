package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pavelanni/gradesheet/internal/acquire"
	"github.com/pavelanni/gradesheet/internal/grade"
	"github.com/pavelanni/gradesheet/internal/handler"
	appI18n "github.com/pavelanni/gradesheet/internal/i18n"
	"github.com/pavelanni/gradesheet/internal/llm"
	"github.com/pavelanni/gradesheet/internal/llm/prompts"
	"github.com/pavelanni/gradesheet/internal/model"
	"github.com/pavelanni/gradesheet/internal/pipeline"
	"github.com/pavelanni/gradesheet/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gradesheet",
		Short: "Grade student answer sheets against teacher answer keys with an LLM",
	}

	serve := serveCmd()
	root.AddCommand(serve, gradeCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `gradesheet --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "gradesheet.db", "SQLite database path")
	f.StringP("lang", "l", "en", "Default language for API messages (en, ru)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /grader)")
	f.StringSlice("cors-origins", []string{"*"}, "Allowed CORS origins")
	f.Duration("request-timeout", 0, "Maximum duration of one grading request (0 = no limit)")
	pipelineFlags(f)
	logFlags(f)
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade one student document and print the results as JSON",
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.StringP("student", "s", "", "Student answer sheet URL or path (required)")
	f.StringP("teacher", "t", "", "Teacher answer key URL or path (required)")
	f.String("db", "", "Also store the submission in this SQLite database")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	pipelineFlags(f)
	logFlags(f)

	_ = cmd.MarkFlagRequired("student")
	_ = cmd.MarkFlagRequired("teacher")

	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored submissions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "gradesheet.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	logFlags(f)
	return cmd
}

func pipelineFlags(f *pflag.FlagSet) {
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Float32("llm-temperature", 0.2, "Sampling temperature for grading calls")
	f.Bool("llm-json-mode", false, "Request JSON object responses from the endpoint")
	f.Float64("llm-rate", 0, "Maximum model calls per second (0 = unlimited)")
	f.Bool("skip-ping", false, "Do not check the LLM endpoint on startup")
	f.String("prompt-file", "", "Grading prompt template overriding the embedded one")
	f.Int("concurrency", 1, "Concurrent model calls per grading run")
	f.Int("max-retries", 2, "Retries for transient model errors")
	f.Duration("retry-backoff", time.Second, "First retry delay, doubled per attempt")
	f.String("temp-dir", os.TempDir(), "Directory for per-run workspaces")
	f.Duration("fetch-timeout", 60*time.Second, "Timeout for downloading one document")
	f.Int64("max-pdf-bytes", 50<<20, "Maximum size of a downloaded document (0 = unlimited)")
	f.String("question-scale", grade.PerQuestion.Name, "Letter scale for single questions (question, overall)")
}

func logFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.String("log-file", "", "Also write logs to this file, rotated by size")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if path := v.GetString("log-file"); path != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(out, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("GRADESHEET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("gradesheet")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/gradesheet")
	v.AddConfigPath("/etc/gradesheet")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func configFromViper(v *viper.Viper) model.Config {
	return model.Config{
		TempDir:       v.GetString("temp-dir"),
		MaxPDFBytes:   v.GetInt64("max-pdf-bytes"),
		FetchTimeout:  v.GetDuration("fetch-timeout"),
		Concurrency:   v.GetInt("concurrency"),
		MaxRetries:    v.GetInt("max-retries"),
		RetryBackoff:  v.GetDuration("retry-backoff"),
		QuestionScale: v.GetString("question-scale"),
		Lang:          v.GetString("lang"),
	}
}

// buildPipeline wires the fetcher, LLM client and grading options.
// Local files are read only when localFiles is set.
func buildPipeline(ctx context.Context, v *viper.Viper, cfg model.Config, localFiles bool) (*pipeline.Pipeline, error) {
	scale, err := grade.ScaleByName(cfg.QuestionScale)
	if err != nil {
		return nil, err
	}

	var prompt *prompts.Template
	if path := v.GetString("prompt-file"); path != "" {
		prompt, err = prompts.Load(os.DirFS(filepath.Dir(path)), filepath.Base(path))
		if err != nil {
			return nil, fmt.Errorf("load prompt: %w", err)
		}
		slog.Info("using custom grading prompt", "path", path)
	}

	llmClient, err := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		llm.Options{
			Temperature:   float32(v.GetFloat64("llm-temperature")),
			JSONMode:      v.GetBool("llm-json-mode"),
			RatePerSecond: v.GetFloat64("llm-rate"),
			Prompt:        prompt,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}
	if !v.GetBool("skip-ping") {
		if err := llmClient.Ping(ctx); err != nil {
			return nil, fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	fetcher := acquire.NewFetcher(
		acquire.WithTimeout(cfg.FetchTimeout),
		acquire.WithMaxBytes(cfg.MaxPDFBytes),
		acquire.WithLocalFiles(localFiles),
	)

	return pipeline.New(fetcher, llmClient, pipeline.Options{
		TempDir:       cfg.TempDir,
		Concurrency:   cfg.Concurrency,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
		QuestionScale: &scale,
		IsTransient:   llm.IsTransient,
	}), nil
}

// recordMetadata stores the grading settings that the export reports.
func recordMetadata(db *store.Store, v *viper.Viper, cfg model.Config) error {
	if err := db.SetMetadata(store.MetaQuestionScale, cfg.QuestionScale); err != nil {
		return err
	}
	return db.SetMetadata(store.MetaModel, v.GetString("llm-model"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	cfg := configFromViper(v)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := recordMetadata(db, v, cfg); err != nil {
		return fmt.Errorf("record metadata: %w", err)
	}

	if err := appI18n.Init(cfg.Lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	p, err := buildPipeline(ctx, v, cfg, false)
	if err != nil {
		return err
	}

	h := handler.New(db, p, handler.Config{
		BasePath:       v.GetString("base-path"),
		AllowedOrigins: v.GetStringSlice("cors-origins"),
		RequestTimeout: v.GetDuration("request-timeout"),
	})

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: h.Router()}

	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", cfg.Lang,
		"concurrency", cfg.Concurrency,
		"max_retries", cfg.MaxRetries,
		"question_scale", cfg.QuestionScale,
		"base_path", v.GetString("base-path"),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runGrade(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	cfg := configFromViper(v)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, v, cfg, true)
	if err != nil {
		return err
	}

	studentURL, teacherURL := v.GetString("student"), v.GetString("teacher")
	out, err := p.Process(ctx, studentURL, teacherURL)
	if err != nil {
		return err
	}

	if dbPath := v.GetString("db"); dbPath != "" {
		db, err := store.New(dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := recordMetadata(db, v, cfg); err != nil {
			return fmt.Errorf("record metadata: %w", err)
		}
		id, err := db.SaveSubmission(model.Submission{
			RunID:         out.RunID,
			StudentPDFURL: studentURL,
			TeacherPDFURL: teacherURL,
			OverallScore:  out.OverallScore,
			OverallGrade:  out.OverallGrade,
			QuestionScale: out.QuestionScale,
			Detected:      out.Detected,
			Skipped:       len(out.Skipped),
			Results:       out.Results,
		})
		if err != nil {
			return fmt.Errorf("save submission: %w", err)
		}
		slog.Info("stored submission", "id", id)
	}

	return writeOutput(v.GetString("output"), out)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportAll()
	if err != nil {
		return fmt.Errorf("export submissions: %w", err)
	}

	return writeOutput(v.GetString("output"), export)
}

// writeOutput writes v as indented JSON to outPath, or stdout for "" and "-".
func writeOutput(outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}
