package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/s0up4200/pvectl/filter"
	"github.com/s0up4200/pvectl/pve"
)

var (
	queryParams []string
	formFields  []string
	filterExpr  string
	jsonPath    string
	rawOutput   bool
)

// loginCmd represents the login command
var loginCmd = &cobra.Command{
	Use:     "login",
	Short:   "Authenticate and report the session user",
	Long:    `Request a ticket from the login endpoint to check the configured credentials.`,
	Args:    cobra.NoArgs,
	PreRunE: initializeApp,
	RunE:    runLogin,
}

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get <endpoint>",
	Short: "Log in and GET an API endpoint",
	Long: `Log in, then GET the endpoint and print its data as JSON.

Examples:
  pvectl get /api2/json/nodes
  pvectl get /api2/json/cluster/resources -q type=vm --filter 'status == "running"'
  pvectl get /api2/json/nodes --path '#.node'`,
	Args:    cobra.ExactArgs(1),
	PreRunE: initializeApp,
	RunE:    runGet,
}

// postCmd represents the post command
var postCmd = &cobra.Command{
	Use:   "post <endpoint>",
	Short: "Log in and POST form data to an API endpoint",
	Long: `Log in, then POST the form fields to the endpoint with the CSRF prevention
token and print the returned data as JSON.

Example:
  pvectl post /api2/json/nodes/pve1/qemu/100/status/start`,
	Args:    cobra.ExactArgs(1),
	PreRunE: initializeApp,
	RunE:    runPost,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(postCmd)

	getCmd.Flags().StringArrayVarP(&queryParams, "query", "q", nil, "query parameter as key=value (repeatable)")
	getCmd.Flags().StringVarP(&filterExpr, "filter", "f", "", "keep list items matching this expression")
	getCmd.Flags().StringVar(&jsonPath, "path", "", "print only this gjson path of the data")
	getCmd.Flags().BoolVar(&rawOutput, "raw", false, "print compact JSON")

	postCmd.Flags().StringArrayVarP(&formFields, "data", "d", nil, "form field as key=value (repeatable)")
	postCmd.Flags().BoolVar(&rawOutput, "raw", false, "print compact JSON")
}

func runLogin(cmd *cobra.Command, args []string) error {
	session, err := client.Login(cmd.Context())
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Authenticated as %s\n", session.Username)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	params, err := parseKeyValues(queryParams)
	if err != nil {
		return err
	}

	// Compile before any request so a bad expression costs nothing
	var f *filter.Filter
	if filterExpr != "" {
		if f, err = filter.Compile(filterExpr); err != nil {
			return fmt.Errorf("invalid filter expression: %w", err)
		}
	}

	if _, err := client.Login(cmd.Context()); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	resp, err := client.Get(cmd.Context(), args[0], params)
	if err := checkResponse(resp, err); err != nil {
		return err
	}

	payload := resp.Raw()
	if f != nil {
		matched, err := f.Apply(resp.Data)
		if err != nil {
			return err
		}
		logger.Debug().Int("matched", len(matched)).Msg("Filter applied")
		if payload, err = json.Marshal(matched); err != nil {
			return fmt.Errorf("failed to encode filtered data: %w", err)
		}
	}

	if jsonPath != "" {
		result := gjson.GetBytes(payload, jsonPath)
		if !result.Exists() {
			return fmt.Errorf("path %q not found in response data", jsonPath)
		}
		payload = []byte(result.Raw)
	}

	return writeJSON(cmd.OutOrStdout(), payload, outputOptions{raw: rawOutput, color: cfg.Color})
}

func runPost(cmd *cobra.Command, args []string) error {
	form, err := parseKeyValues(formFields)
	if err != nil {
		return err
	}

	if _, err := client.Login(cmd.Context()); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	resp, err := client.Post(cmd.Context(), args[0], form)
	if err := checkResponse(resp, err); err != nil {
		return err
	}

	return writeJSON(cmd.OutOrStdout(), resp.Raw(), outputOptions{raw: rawOutput, color: cfg.Color})
}

// checkResponse turns transport failures and error statuses into errors
func checkResponse(resp *pve.Response, err error) error {
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	return nil
}

// parseKeyValues parses repeated key=value arguments
func parseKeyValues(pairs []string) (url.Values, error) {
	values := url.Values{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		values.Add(key, value)
	}
	return values, nil
}
