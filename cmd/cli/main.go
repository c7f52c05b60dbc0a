package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/OnslaughtSnail/virga/internal/envload"
	"github.com/OnslaughtSnail/virga/internal/logging"
	"github.com/OnslaughtSnail/virga/internal/version"
	"github.com/OnslaughtSnail/virga/kernel/agent"
	"github.com/OnslaughtSnail/virga/kernel/doomloop"
	"github.com/OnslaughtSnail/virga/kernel/llmagent"
	"github.com/OnslaughtSnail/virga/kernel/model"
	modelproviders "github.com/OnslaughtSnail/virga/kernel/model/providers"
	"github.com/OnslaughtSnail/virga/kernel/permission"
	"github.com/OnslaughtSnail/virga/kernel/runtime"
	"github.com/OnslaughtSnail/virga/kernel/session"
	"github.com/OnslaughtSnail/virga/kernel/session/filestore"
	"github.com/OnslaughtSnail/virga/kernel/tool"
	"github.com/OnslaughtSnail/virga/kernel/tool/builtin/askuser"
	"github.com/OnslaughtSnail/virga/kernel/tool/builtin/filesystem"
	"github.com/OnslaughtSnail/virga/kernel/tool/builtin/shell"
)

func main() {
	if err := runCLI(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runCLI(ctx context.Context, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if path, err := envload.LoadNearest(); err == nil && path != "" {
		logging.Debug().Str("path", path).Msg("loaded .env")
	}
	configStore, err := loadOrInitAppConfig(defaultAppName)
	if err != nil {
		return err
	}
	defaultStoreDir, err := sessionStoreDir(defaultAppName)
	if err != nil {
		return err
	}
	defaultIndexPath, err := sessionIndexPath(defaultAppName)
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("virga", flag.ContinueOnError)
	var (
		modelID           = fs.String("model", configStore.DefaultModel(), "Model id as provider/model")
		agentName         = fs.String("agent", configStore.DefaultAgent(), "Agent profile: build|plan")
		sessionID         = fs.String("session", "", "Session id (default: new session)")
		workDir           = fs.String("dir", "", "Working directory (default: current)")
		input             = fs.String("input", "", "Single-shot input text, exits after one turn")
		storeDir          = fs.String("store-dir", defaultStoreDir, "Session event store directory")
		sessionIndexFile  = fs.String("session-index", defaultIndexPath, "Session index sqlite file path")
		maxSteps          = fs.Int("max-steps", configStore.MaxSteps(), "Step budget per turn")
		streamModel       = fs.Bool("stream", true, "Stream model output")
		defaultPermission = fs.String("default-permission", string(configStore.DefaultPermission()), "Action when no rule matches: allow|deny|ask")
		showReasoning     = fs.Bool("reasoning", false, "Show model reasoning in the transcript")
		markdown          = fs.Bool("markdown", true, "Render final answers as markdown")
		userID            = fs.String("user", "local-user", "User id")
		logLevel          = fs.String("log-level", "info", "Log level: trace|debug|info|warn|error|off")
		showVersion       = fs.Bool("version", false, "Show version and exit")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println(version.String())
		return nil
	}
	if len(fs.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}

	logPath, err := logFilePath(defaultAppName)
	if err != nil {
		return err
	}
	logFile, err := logging.InitFile(logPath, logging.ParseLevel(*logLevel))
	if err != nil {
		return err
	}
	defer func() {
		if logFile != nil {
			_ = logFile.Close()
		}
	}()

	defaultAction, err := permission.ParseAction(*defaultPermission)
	if err != nil {
		return err
	}
	profile, err := agent.LookupProfile(*agentName)
	if err != nil {
		return err
	}
	if *maxSteps > 0 {
		profile.MaxSteps = *maxSteps
	}

	workspace, err := resolveWorkspaceContext(strings.TrimSpace(*workDir))
	if err != nil {
		return err
	}
	if workspace.CWD != "" {
		if err := os.Chdir(workspace.CWD); err != nil {
			return fmt.Errorf("cli: enter workspace: %w", err)
		}
	}
	historyPath, err := historyFilePath(defaultAppName, workspace.Key)
	if err != nil {
		return err
	}

	factory := modelproviders.NewFactory()
	var llm model.LLM
	id := strings.TrimSpace(strings.ToLower(*modelID))
	if id != "" {
		llm, err = factory.New(id)
		if err != nil {
			return err
		}
		if err := configStore.SetDefaultModel(id); err != nil {
			fmt.Fprintf(os.Stderr, "warn: persist default model failed: %v\n", err)
		}
	}

	storeImpl, err := filestore.New(*storeDir)
	if err != nil {
		return err
	}
	index, err := newSessionIndex(*sessionIndexFile)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := index.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "warn: close session index failed: %v\n", closeErr)
		}
	}()
	userStoreDir := filepath.Join(*storeDir, defaultAppName, *userID)
	if err := index.SyncWorkspaceFromStoreDir(workspace, defaultAppName, *userID, userStoreDir); err != nil {
		fmt.Fprintf(os.Stderr, "warn: sync session index failed: %v\n", err)
	}
	store := newIndexedSessionStore(storeImpl, index, workspace)
	rt, err := runtime.New(runtime.Config{Store: store})
	if err != nil {
		return err
	}

	tools := builtinTools()
	sid := strings.TrimSpace(*sessionID)
	if sid == "" {
		sid = session.NewID()
	}

	if strings.TrimSpace(*input) != "" {
		if llm == nil {
			return fmt.Errorf("no model configured, pass -model provider/model")
		}
		ag, err := llmagent.New(llmagent.Config{
			Name:              profile.Name,
			SystemPrompt:      profile.SystemPrompt + workspacePromptContext(workspace),
			MaxSteps:          profile.MaxSteps,
			StreamModel:       *streamModel,
			EmitPartialEvents: *streamModel,
			Temperature:       0.7,
		})
		if err != nil {
			return err
		}
		evalCfg := profile.EvaluatorConfig(permission.DefaultRules())
		evalCfg.Default = defaultAction
		// Single-shot has no interactive approver: pending ask
		// decisions resolve to deny.
		_, err = runOnce(ctx, rt, runtime.RunRequest{
			AppName:     defaultAppName,
			UserID:      *userID,
			SessionID:   sid,
			Input:       *input,
			Agent:       ag,
			Model:       llm,
			Tools:       profile.FilterTools(tools),
			Permissions: permission.NewEvaluator(evalCfg),
			Doom:        doomloop.New(configStore.DoomConfig()),
			AgentName:   profile.Name,
			ModelID:     id,
			WorkingDir:  workspace.CWD,
		}, runRenderConfig{
			ShowReasoning: *showReasoning,
			Markdown:      *markdown,
			Writer:        os.Stdout,
		})
		return err
	}

	console := newCLIConsole(cliConsoleConfig{
		BaseContext:   ctx,
		Runtime:       rt,
		Store:         store,
		AppName:       defaultAppName,
		UserID:        *userID,
		SessionID:     sid,
		Workspace:     workspace,
		ModelID:       id,
		Model:         llm,
		ModelFactory:  factory,
		ConfigStore:   configStore,
		SessionIndex:  index,
		Profile:       profile,
		Tools:         tools,
		GlobalRules:   permission.DefaultRules(),
		DefaultRule:   defaultAction,
		DoomConfig:    configStore.DoomConfig(),
		MaxSteps:      *maxSteps,
		StreamModel:   *streamModel,
		ShowReasoning: *showReasoning,
		Markdown:      *markdown,
		HistoryFile:   historyPath,
		Version:       version.String(),
	})
	return console.loop()
}

func builtinTools() []tool.Tool {
	return []tool.Tool{
		filesystem.NewRead(filesystem.DefaultReadConfig()),
		filesystem.NewEdit(),
		filesystem.NewGlob(),
		filesystem.NewList(),
		filesystem.NewSearch(),
		shell.NewBash(shell.BashConfig{}),
		askuser.NewAsk(),
	}
}
