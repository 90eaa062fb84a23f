package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "status":
		runStatus(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "tree":
		runTree(os.Args[2:])
	case "sweep":
		runSweep(os.Args[2:])
	case "audit":
		runAudit(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: quotactl <status|stats|tree|sweep|audit> [...]")
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	gateway := gatewayFlag(fs)
	token := tokenFlag(fs)
	user := fs.String("user", "", "user id")
	premium := fs.Bool("premium", false, "query with the premium limits")
	_ = fs.Parse(args)
	if strings.TrimSpace(*user) == "" {
		fatalf("--user is required")
	}
	q := url.Values{}
	q.Set("user_id", *user)
	if *premium {
		q.Set("has_llm_key", "true")
	}
	do(http.MethodGet, *gateway+"/v1/quota/status?"+q.Encode(), *token)
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	gateway := gatewayFlag(fs)
	token := tokenFlag(fs)
	_ = fs.Parse(args)
	do(http.MethodGet, *gateway+"/v1/system/stats", *token)
}

func runTree(args []string) {
	fs := flag.NewFlagSet("tree", flag.ExitOnError)
	gateway := gatewayFlag(fs)
	token := tokenFlag(fs)
	id := fs.String("id", "", "root task id")
	_ = fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		fatalf("--id is required")
	}
	do(http.MethodGet, *gateway+"/v1/trees/"+url.PathEscape(*id), *token)
}

func runSweep(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	gateway := gatewayFlag(fs)
	token := tokenFlag(fs)
	_ = fs.Parse(args)
	do(http.MethodPost, *gateway+"/v1/admin/sweep", *token)
}

func runAudit(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	gateway := gatewayFlag(fs)
	token := tokenFlag(fs)
	action := fs.String("action", "", "filter by action")
	user := fs.String("user", "", "filter by user id")
	result := fs.String("result", "", "filter by result")
	limit := fs.Int("limit", 50, "max records")
	_ = fs.Parse(args)
	q := url.Values{}
	if *action != "" {
		q.Set("action", *action)
	}
	if *user != "" {
		q.Set("user_id", *user)
	}
	if *result != "" {
		q.Set("result", *result)
	}
	q.Set("limit", fmt.Sprintf("%d", *limit))
	do(http.MethodGet, *gateway+"/v1/admin/audit?"+q.Encode(), *token)
}

func gatewayFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("APFLOW_DEMO_GATEWAY_URL")
	if def == "" {
		def = "http://127.0.0.1:8080"
	}
	return fs.String("gateway", def, "gateway base URL")
}

func tokenFlag(fs *flag.FlagSet) *string {
	return fs.String("token", os.Getenv("APFLOW_DEMO_API_TOKEN"), "bearer token for operator endpoints")
}

func do(method, rawURL, token string) {
	req, err := http.NewRequest(method, rawURL, nil)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("read response: %v", err)
	}
	if resp.StatusCode >= 300 {
		fatalf("%s %s failed: %s\n%s", method, rawURL, resp.Status, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
