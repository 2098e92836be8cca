package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/swappynest/internal/auth"
	"github.com/haasonsaas/swappynest/internal/chat"
	"github.com/haasonsaas/swappynest/internal/client"
	"github.com/haasonsaas/swappynest/internal/config"
	"github.com/haasonsaas/swappynest/pkg/models"
)

const shutdownTimeout = 5 * time.Second

// openClient loads the config and assembles a client. The returned func
// releases it and stops the metrics endpoint.
func openClient(cmd *cobra.Command, opts *globalOptions) (*client.Client, func(), error) {
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	errOut := cmd.ErrOrStderr()
	c, err := client.New(client.Options{
		Config:    cfg,
		LogOutput: errOut,
		OnLoginRequired: func(error) {
			fmt.Fprintln(errOut, "Your session has expired. Run 'swappynest login' to sign in again.")
		},
	})
	if err != nil {
		return nil, nil, err
	}

	stopMetrics := func() {}
	addr := strings.TrimSpace(opts.metricsAddr)
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		stop, err := serveMetrics(addr, c.Metrics().Handler(), c.Logger())
		if err != nil {
			_ = c.Close(context.Background())
			return nil, nil, err
		}
		stopMetrics = stop
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		stopMetrics()
		if err := c.Close(ctx); err != nil {
			c.Logger().Warn("client shutdown", "error", err)
		}
	}
	return c, cleanup, nil
}

func serveMetrics(addr string, handler http.Handler, logger *slog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on metrics address %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", listener.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}

// requireSession restores the stored session and fails when signed out.
func requireSession(ctx context.Context, c *client.Client) (client.StartResult, error) {
	result, err := c.Start(ctx)
	if err != nil {
		return result, err
	}
	if !result.Session.Authenticated() {
		return result, errors.New("not signed in; run 'swappynest login' first")
	}
	return result, nil
}

func runLogin(cmd *cobra.Command, opts *globalOptions, email string) error {
	c, cleanup, err := openClient(cmd, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	reader := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	if strings.TrimSpace(email) == "" {
		email = promptLine(reader, out, "Email")
	}
	password := promptPassword(reader, out, "Password")
	if email == "" || password == "" {
		return errors.New("email and password are required")
	}

	session, err := c.Login(cmd.Context(), email, password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return errors.New("invalid email or password")
	}
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	name := email
	if profile := c.Profile(); profile != nil && profile.Username != "" {
		name = profile.Username
	}
	fmt.Fprintf(out, "Signed in as %s (user %d).\n", name, session.UserID)
	return nil
}

func runLogout(cmd *cobra.Command, opts *globalOptions) error {
	c, cleanup, err := openClient(cmd, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	// restore first so the server can revoke the refresh token
	if _, err := c.Start(cmd.Context()); err != nil && !auth.IsFatal(err) {
		c.Logger().Warn("could not restore session before logout", "error", err)
	}
	if err := c.Logout(cmd.Context()); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
	return nil
}

func runStatus(cmd *cobra.Command, opts *globalOptions) error {
	c, cleanup, err := openClient(cmd, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := c.Start(cmd.Context())
	if err != nil && !auth.IsFatal(err) {
		return fmt.Errorf("restore session: %w", err)
	}
	writeStatus(cmd.OutOrStdout(), result)
	return nil
}

func writeStatus(out io.Writer, result client.StartResult) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "State:\t%s\n", result.Session.State)
	if !result.Session.Authenticated() {
		return
	}
	fmt.Fprintf(w, "User ID:\t%d\n", result.Session.UserID)
	if expiry := result.Session.Expiry(); !expiry.IsZero() {
		fmt.Fprintf(w, "Token expires:\t%s\n", expiry.Local().Format(time.RFC1123))
	}
	switch {
	case result.Profile != nil:
		fmt.Fprintf(w, "Username:\t%s\n", result.Profile.Username)
		fmt.Fprintf(w, "Email:\t%s\n", result.Profile.Email)
	case result.ProfileErr != nil:
		fmt.Fprintf(w, "Profile:\tunavailable (%v)\n", result.ProfileErr)
	}
}

func runConversations(cmd *cobra.Command, opts *globalOptions) error {
	c, cleanup, err := openClient(cmd, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := requireSession(cmd.Context(), c)
	if err != nil {
		return err
	}
	conversations, err := c.Conversations(cmd.Context())
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	writeConversations(cmd.OutOrStdout(), result.Session.UserID, conversations)
	return nil
}

func writeConversations(out io.Writer, self int64, conversations []models.Conversation) {
	if len(conversations) == 0 {
		fmt.Fprintln(out, "No conversations yet.")
		return
	}
	sort.Slice(conversations, func(i, j int) bool { return conversations[i].ID < conversations[j].ID })

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tWITH\tKEY")
	for _, conv := range conversations {
		with := "-"
		if peer, ok := conv.Peer(self); ok {
			with = peer.Username
			if with == "" {
				with = "user " + models.FormatUserID(peer.ID)
			}
		}
		key, err := chat.KeyForConversation(conv)
		if err != nil {
			key = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", conv.ID, with, key)
	}
}

func runChat(cmd *cobra.Command, opts *globalOptions, conversationID, peerID int64) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, cleanup, err := openClient(cmd, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := requireSession(ctx, c)
	if err != nil {
		return err
	}
	self := result.Session.UserID
	names := map[int64]string{self: "you"}

	var ch *chat.Channel
	if conversationID != 0 {
		conversations, err := c.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		conv, ok := findConversation(conversations, conversationID)
		if !ok {
			return fmt.Errorf("conversation %d not found", conversationID)
		}
		for _, p := range conv.Participants {
			if p.ID != self && p.Username != "" {
				names[p.ID] = p.Username
			}
		}
		ch, err = c.OpenConversation(ctx, conv)
		if ch == nil {
			return err
		}
	} else {
		ch, err = c.OpenPeer(ctx, peerID)
		if ch == nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	view := newChatView(out, names)
	view.render(chat.Update{Kind: chat.UpdateMessages, Messages: ch.Messages()})
	unsubscribe := ch.Subscribe(view.render)
	defer unsubscribe()
	fmt.Fprintf(out, "-- %s (%s). Type /quit to leave.\n", ch.Key(), ch.Status())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleChatLine(ctx, ch, out, line); quit {
				return nil
			}
		}
	}
}

func findConversation(conversations []models.Conversation, id int64) (models.Conversation, bool) {
	for _, conv := range conversations {
		if conv.ID == id {
			return conv, true
		}
	}
	return models.Conversation{}, false
}

// handleChatLine sends a line or runs a slash command. It reports whether
// the user asked to leave.
func handleChatLine(ctx context.Context, ch *chat.Channel, out io.Writer, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	var err error
	switch {
	case line == "/quit":
		return true
	case line == "/history":
		var added int
		added, err = ch.LoadHistory(ctx)
		if err == nil {
			fmt.Fprintf(out, "-- %d new message(s) from history\n", added)
		}
	case strings.HasPrefix(line, "/product "):
		var product models.Product
		product, err = parseProductArgs(strings.TrimPrefix(line, "/product "))
		if err == nil {
			_, err = ch.SendProduct(ctx, product)
		}
	default:
		_, err = ch.Send(ctx, line)
	}
	if errors.Is(err, chat.ErrSocketUnavailable) {
		fmt.Fprintf(out, "-- not connected (%s); message not sent\n", ch.Status())
	} else if err != nil {
		fmt.Fprintf(out, "-- %v\n", err)
	}
	return false
}

func parseProductArgs(args string) (models.Product, error) {
	idText, name, _ := strings.Cut(strings.TrimSpace(args), " ")
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil || id <= 0 {
		return models.Product{}, fmt.Errorf("usage: /product <id> <name>")
	}
	return models.Product{ID: id, Name: strings.TrimSpace(name)}, nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("build schema: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func runConfigValidate(cmd *cobra.Command, opts *globalOptions) error {
	if _, err := config.Load(opts.configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid.\n", opts.configPath)
	return nil
}

func promptLine(reader *bufio.Reader, out io.Writer, label string) string {
	fmt.Fprintf(out, "%s: ", label)
	text, err := reader.ReadString('\n')
	if err != nil && text == "" {
		return ""
	}
	return strings.TrimSpace(text)
}

// promptPassword prompts for a password without echoing it when stdin is a terminal.
func promptPassword(reader *bufio.Reader, out io.Writer, label string) string {
	fmt.Fprintf(out, "%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	text, err := reader.ReadString('\n')
	if err != nil && text == "" {
		return ""
	}
	return strings.TrimSpace(text)
}
