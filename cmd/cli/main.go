package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	token     string

	ownerID   int64
	username  string
	botName   string
	adminID   int64
	channelID string
	plan      string
	planDays  int
)

func main() {
	root := &cobra.Command{
		Use:   "botfleet-cli",
		Short: "Operator CLI for the botfleet control plane",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("BOTFLEET_API_KEY"), "API key")

	deployCmd := &cobra.Command{
		Use:   "deploy [bot-id]",
		Short: "Deploy a bot",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeploy,
	}
	deployCmd.Flags().StringVar(&token, "token", "", "Bot token (defaults to the stored one)")
	root.AddCommand(deployCmd)

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new bot",
		RunE:  runCreate,
	}
	createCmd.Flags().Int64Var(&ownerID, "owner", 0, "Owner user id (required)")
	createCmd.Flags().StringVar(&token, "token", "", "Bot token (required)")
	createCmd.Flags().StringVar(&username, "username", "", "Bot username (required)")
	createCmd.Flags().StringVar(&botName, "name", "", "Display name")
	createCmd.Flags().Int64Var(&adminID, "admin-id", 0, "Per-bot admin id override")
	createCmd.Flags().StringVar(&channelID, "channel", "", "Per-bot channel override")
	root.AddCommand(createCmd)

	subscribeCmd := &cobra.Command{
		Use:   "subscribe [bot-id]",
		Short: "Grant a subscription to a bot",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubscribe,
	}
	subscribeCmd.Flags().StringVar(&plan, "plan", "standard", "Subscription plan")
	subscribeCmd.Flags().IntVar(&planDays, "days", 30, "Subscription length in days")
	root.AddCommand(subscribeCmd)

	root.AddCommand(&cobra.Command{
		Use:   "unsubscribe [bot-id]",
		Short: "Deactivate a bot's subscription",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnsubscribe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "user-bots [owner-id]",
		Short: "List bots owned by a user",
		Args:  cobra.ExactArgs(1),
		RunE:  runUserBots,
	})

	root.AddCommand(&cobra.Command{
		Use:   "stop [bot-id]",
		Short: "Stop a bot",
		Args:  cobra.ExactArgs(1),
		RunE:  botAction("stop"),
	})
	root.AddCommand(&cobra.Command{
		Use:   "restart [bot-id]",
		Short: "Restart a bot",
		Args:  cobra.ExactArgs(1),
		RunE:  botAction("restart"),
	})
	root.AddCommand(&cobra.Command{
		Use:   "update [bot-id]",
		Short: "Pull the latest code into a bot workspace",
		Args:  cobra.ExactArgs(1),
		RunE:  botAction("update"),
	})
	root.AddCommand(&cobra.Command{
		Use:   "status [bot-id]",
		Short: "Show a bot's status",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	})
	deleteCmd := &cobra.Command{
		Use:   "delete [bot-id]",
		Short: "Stop a bot and remove its workspace",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	deleteCmd.Flags().Int64Var(&ownerID, "owner", 0, "Owner id; when set the bot record is removed too")
	root.AddCommand(deleteCmd)
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all bots",
		RunE:  runList,
	})
	root.AddCommand(&cobra.Command{
		Use:   "restart-all",
		Short: "Update and restart the whole fleet",
		RunE:  fleetAction("restart"),
	})
	root.AddCommand(&cobra.Command{
		Use:   "cleanup-expired",
		Short: "Stop running bots with lapsed subscriptions",
		RunE:  fleetAction("cleanup"),
	})
	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show fleet statistics",
		RunE:  runStats,
	})
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseBotID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid bot id %q", arg)
	}
	return id, nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	id, err := parseBotID(args[0])
	if err != nil {
		return err
	}
	var body any
	if token != "" {
		body = map[string]string{"token": token}
	}
	return doRequest(http.MethodPost, fmt.Sprintf("/bots/%d/deploy", id), body)
}

func botAction(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseBotID(args[0])
		if err != nil {
			return err
		}
		return doRequest(http.MethodPost, fmt.Sprintf("/bots/%d/%s", id, action), nil)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := parseBotID(args[0])
	if err != nil {
		return err
	}
	return doRequest(http.MethodGet, fmt.Sprintf("/bots/%d/status", id), nil)
}

func runDelete(cmd *cobra.Command, args []string) error {
	id, err := parseBotID(args[0])
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/bots/%d", id)
	if ownerID > 0 {
		path += fmt.Sprintf("?owner_id=%d", ownerID)
	}
	return doRequest(http.MethodDelete, path, nil)
}

func runCreate(cmd *cobra.Command, args []string) error {
	if ownerID < 1 || token == "" || username == "" {
		return fmt.Errorf("--owner, --token and --username are required")
	}
	body := map[string]any{
		"owner_id": ownerID,
		"token":    token,
		"username": username,
		"name":     botName,
	}
	if adminID != 0 {
		body["admin_id"] = adminID
	}
	if channelID != "" {
		body["channel_id"] = channelID
	}
	return doRequest(http.MethodPost, "/bots", body)
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	id, err := parseBotID(args[0])
	if err != nil {
		return err
	}
	return doRequest(http.MethodPost, fmt.Sprintf("/bots/%d/subscription", id),
		map[string]any{"plan": plan, "days": planDays})
}

func runUnsubscribe(cmd *cobra.Command, args []string) error {
	id, err := parseBotID(args[0])
	if err != nil {
		return err
	}
	return doRequest(http.MethodDelete, fmt.Sprintf("/bots/%d/subscription", id), nil)
}

func runUserBots(cmd *cobra.Command, args []string) error {
	id, err := parseBotID(args[0])
	if err != nil {
		return err
	}
	return doRequest(http.MethodGet, fmt.Sprintf("/users/%d/bots", id), nil)
}

func runList(cmd *cobra.Command, args []string) error {
	return doRequest(http.MethodGet, "/bots", nil)
}

func fleetAction(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return doRequest(http.MethodPost, "/fleet/"+action, nil)
	}
}

func runStats(cmd *cobra.Command, args []string) error {
	return doRequest(http.MethodGet, "/fleet/stats", nil)
}

func runHealth(cmd *cobra.Command, args []string) error {
	return doRequest(http.MethodGet, "/health", nil)
}

func doRequest(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Minute} // restart-all can take a while
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
