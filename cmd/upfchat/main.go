package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/upfree-labs/upfchat/pkg/assistant"
	"github.com/upfree-labs/upfchat/pkg/chat"
	"github.com/upfree-labs/upfchat/pkg/events"
	"github.com/upfree-labs/upfchat/pkg/search"
	"github.com/upfree-labs/upfchat/pkg/settings"
)

const greeting = "Goedendag! Hoe kan ik je helpen met informatie over voeding vandaag?"

var examplePrompts = []string{
	"Welke plantaardige yoghurt is ultrabewerkt?",
	"Wat is maltodextrine en in welke producten zit het?",
	"Hoe bewerkt zijn proteïnerepen?",
}

var examplePromptsHelp = []string{
	"Bekijk hoe plantaardige yoghurt scoort volgens de NOVA richtlijn",
	"Bekijk in welke producten deze toevoeging zit",
	"Bekijk een lijst aan proteïnerepen en zie de score volgens de NOVA richtlijn",
}

var rootCmd = &cobra.Command{
	Use:   "upfchat",
	Short: "Chat about ultra processed foods (UPF) and additives, grounded in the product catalog",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().Bool("verbose", false, "Verbose event router logging")
}

func run(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	verbose, _ := cmd.Flags().GetBool("verbose")

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", logLevel)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	s, err := settings.Load()
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}

	svc, err := assistant.NewClient(s.AssistantClientSettings())
	if err != nil {
		return err
	}

	searchSettings, err := s.SearchClientSettings()
	if err != nil {
		return err
	}
	searcher, err := search.NewClient(searchSettings)
	if err != nil {
		return err
	}

	routerOptions := []events.EventRouterOption{}
	if verbose {
		routerOptions = append(routerOptions, events.WithVerbose(true))
	}
	router, err := events.NewEventRouter(routerOptions...)
	if err != nil {
		return err
	}
	defer func() {
		_ = router.Close()
	}()

	session := chat.NewConversationSession(svc, chat.WithGreeting(greeting))
	pipeline := chat.NewPipeline(svc, searcher, session,
		chat.WithEventSinks(events.NewWatermillSink(router.Publisher, "chat")),
		chat.WithPipelineIdleTimeout(s.IdleTimeout),
		chat.WithMaxToolRounds(s.MaxToolRounds),
		chat.WithSearchLimit(s.SearchLimit),
		chat.WithContextInjection(s.InjectContext),
	)

	// incremental rendering: one printed fragment per delta
	router.AddEventHandler("cli-ui", "chat", func(ctx context.Context, ev events.Event) error {
		if delta, ok := ev.(*events.EventTextDelta); ok {
			fmt.Print(delta.Delta)
		}
		return nil
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return router.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		<-router.Running()
		return chatLoop(gctx, pipeline, session)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func chatLoop(ctx context.Context, pipeline *chat.Pipeline, session *chat.ConversationSession) error {
	fmt.Println("UPF detective: ontdek meer over ultrabewerkte voedingsmiddelen en additieven.")
	printTranscript(session.Transcript())
	fmt.Println("Voorbeeldvragen:")
	for i, prompt := range examplePrompts {
		fmt.Printf("  !%d  %s (%s)\n", i+1, prompt, examplePromptsHelp[i])
	}
	fmt.Println("Commando's: !transcript, !quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "!quit":
			return nil
		case "!transcript":
			// redraw from the remote thread, it is authoritative; fall back
			// to the local cache when the service is unreachable
			turns, err := session.Resync(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("could not resync transcript from thread")
				turns = session.Transcript()
			}
			printTranscript(turns)
			continue
		case "!1", "!2", "!3":
			input = examplePrompts[int(input[1]-'1')]
			fmt.Printf("[gebruiker]: %s\n", input)
		}

		fmt.Print("[assistent]: ")
		_, err := pipeline.Ask(ctx, input)
		switch {
		case err == nil:
			fmt.Println()
		case errors.Is(err, chat.ErrEmptyAnswer):
			fmt.Println("De assistent gaf geen antwoord. Probeer het opnieuw.")
		case errors.Is(err, chat.ErrSuperseded):
			// a newer submission owns the UI now
		default:
			fmt.Println("Er ging iets mis. Probeer het opnieuw.")
		}
	}
}

func printTranscript(turns []chat.Turn) {
	for _, turn := range turns {
		role := "assistent"
		if turn.Role == assistant.RoleUser {
			role = "gebruiker"
		}
		fmt.Printf("[%s]: %s\n", role, turn.Text)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
