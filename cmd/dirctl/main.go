package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"e2ee-directory/internal/dto"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "unlink-device":
		err = runUnlinkDevice(args)
	case "delete-account":
		err = runDeleteAccount(args)
	case "lookup":
		err = runLookup(args)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  unlink-device    Remove one or more linked devices from an account")
	fmt.Fprintln(os.Stderr, "  delete-account   Delete an account and all of its state")
	fmt.Fprintln(os.Stderr, "  lookup           Look up an account by identifier, number, or username hash")
	os.Exit(2)
}

// repeatableFlag collects every occurrence of a repeated flag.
type repeatableFlag []string

func (f *repeatableFlag) String() string { return strings.Join(*f, ",") }

func (f *repeatableFlag) Set(v string) error {
	*f = append(*f, strings.TrimSpace(v))
	return nil
}

func runUnlinkDevice(args []string) error {
	fs := flag.NewFlagSet("unlink-device", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	baseURL := fs.String("base-url", getenv("DIRCTL_BASE_URL", "http://localhost:8085"), "directory service base URL")
	aci := fs.String("u", "", "account identifier (UUID)")
	var devices repeatableFlag
	fs.Var(&devices, "d", "device id to unlink (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := uuid.Parse(strings.TrimSpace(*aci)); err != nil {
		return fmt.Errorf("a valid account identifier is required: %w", err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("at least one device id is required")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for _, device := range devices {
		endpoint := fmt.Sprintf("%s/v1/accounts/%s/devices/%s",
			strings.TrimRight(*baseURL, "/"), strings.TrimSpace(*aci), device)
		if err := doRequest(client, http.MethodDelete, endpoint, nil); err != nil {
			return fmt.Errorf("unlink device %s: %w", device, err)
		}
		fmt.Printf("unlinked device %s\n", device)
	}
	return nil
}

func runDeleteAccount(args []string) error {
	fs := flag.NewFlagSet("delete-account", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	baseURL := fs.String("base-url", getenv("DIRCTL_BASE_URL", "http://localhost:8085"), "directory service base URL")
	aci := fs.String("u", "", "account identifier (UUID)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := uuid.Parse(strings.TrimSpace(*aci)); err != nil {
		return fmt.Errorf("a valid account identifier is required: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	endpoint := fmt.Sprintf("%s/v1/accounts/%s", strings.TrimRight(*baseURL, "/"), strings.TrimSpace(*aci))
	if err := doRequest(client, http.MethodDelete, endpoint, nil); err != nil {
		return err
	}
	fmt.Println("account deleted")
	return nil
}

func runLookup(args []string) error {
	fs := flag.NewFlagSet("lookup", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	baseURL := fs.String("base-url", getenv("DIRCTL_BASE_URL", "http://localhost:8085"), "directory service base URL")
	aci := fs.String("u", "", "account identifier (UUID)")
	number := fs.String("n", "", "phone number in E.164 form")
	hash := fs.String("hash", "", "username hash (base64url, unpadded)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	base := strings.TrimRight(*baseURL, "/")
	var endpoint string
	switch {
	case strings.TrimSpace(*aci) != "":
		endpoint = fmt.Sprintf("%s/v1/accounts/%s", base, strings.TrimSpace(*aci))
	case strings.TrimSpace(*number) != "":
		endpoint = fmt.Sprintf("%s/v1/accounts/lookup?number=%s", base, url.QueryEscape(strings.TrimSpace(*number)))
	case strings.TrimSpace(*hash) != "":
		endpoint = fmt.Sprintf("%s/v1/usernames/%s", base, strings.TrimSpace(*hash))
	default:
		return fmt.Errorf("one of -u, -n, or -hash is required")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(endpoint)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close response body: %v\n", cerr)
		}
	}()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		return fmt.Errorf("lookup failed: %s", strings.TrimSpace(string(data)))
	}

	if strings.TrimSpace(*hash) != "" {
		var res dto.UsernameLookupResponse
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return err
		}
		return printJSON(res)
	}

	var account dto.AccountResponse
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return err
	}
	return printJSON(account)
}

func doRequest(client *http.Client, method, url string, body io.Reader) error {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close response body: %v\n", cerr)
		}
	}()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		return fmt.Errorf("request failed: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
