package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"tranchefund/native/fund"
	"tranchefund/services/fundd/server"
)

const (
	defaultEndpoint = "http://localhost:7080"
	endpointEnv     = "FUNDD_ENDPOINT"
	tokenEnv        = "FUNDD_TOKEN"
	secretEnv       = "FUNDD_ADMIN_SECRET"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "token":
		err = runToken(args, os.Stdout)
	case "status":
		err = runRequest(http.MethodGet, "/v1/fund", args, os.Stdout)
	case "get":
		err = runPath(http.MethodGet, args, os.Stdout)
	case "post":
		err = runPath(http.MethodPost, args, os.Stdout)
	case "settle":
		err = runSettle(args, os.Stdout)
	case "price":
		err = runPrice(args, os.Stdout)
	case "preview":
		err = runPreview(args, os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: fundctl <command> [flags]

Commands:
  token     sign an API token (needs %s)
  status    print the fund summary
  get       GET an API path, e.g. fundctl get /v1/fund/navs/latest
  post      POST an API path with -data JSON
  settle    settle due epochs
  price     post a manual price sample
  preview   compute a rebalance offline and apply it to a balance
`, secretEnv)
}

type clientFlags struct {
	endpoint string
	token    string
}

func (c *clientFlags) register(fs *flag.FlagSet) {
	endpoint := os.Getenv(endpointEnv)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	fs.StringVar(&c.endpoint, "endpoint", endpoint, "fundd base URL")
	fs.StringVar(&c.token, "token", os.Getenv(tokenEnv), "bearer token")
}

func (c *clientFlags) do(method, path string, body []byte, out io.Writer) error {
	url := strings.TrimRight(c.endpoint, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if len(payload) == 0 {
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		_, err = out.Write(payload)
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}

func runRequest(method, path string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(path, flag.ContinueOnError)
	var client clientFlags
	client.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return client.do(method, path, nil, out)
}

func runPath(method string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(strings.ToLower(method), flag.ContinueOnError)
	var client clientFlags
	client.register(fs)
	data := fs.String("data", "", "JSON request body")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one API path")
	}
	var body []byte
	if *data != "" {
		if !json.Valid([]byte(*data)) {
			return fmt.Errorf("-data is not valid JSON")
		}
		body = []byte(*data)
	}
	return client.do(method, fs.Arg(0), body, out)
}

func runSettle(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("settle", flag.ContinueOnError)
	var client clientFlags
	client.register(fs)
	maxEpochs := fs.Int("max", 0, "maximum epochs to settle, 0 for all due")
	if err := fs.Parse(args); err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]int{"max": *maxEpochs})
	return client.do(http.MethodPost, "/v1/admin/settle", body, out)
}

func runPrice(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("price", flag.ContinueOnError)
	var client clientFlags
	client.register(fs)
	at := fs.String("at", "", "observation time (RFC3339), defaults to now")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected the price as the only argument")
	}
	if _, err := fund.ParseDecimal(fs.Arg(0)); err != nil {
		return err
	}
	req := map[string]string{"price": fs.Arg(0)}
	if *at != "" {
		if _, err := time.Parse(time.RFC3339, *at); err != nil {
			return fmt.Errorf("-at: %w", err)
		}
		req["observed_at"] = *at
	}
	body, _ := json.Marshal(req)
	return client.do(http.MethodPost, "/v1/admin/prices", body, out)
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "", "token subject; a holder address for holder tokens")
	scopes := fs.String("scope", server.ScopeHolder, "space separated scopes")
	issuer := fs.String("issuer", "fundd", "token issuer")
	audience := fs.String("audience", "", "token audience")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*subject) == "" {
		return fmt.Errorf("-sub is required")
	}
	auth, err := server.NewAuthenticator(server.AuthConfig{
		Secret:   os.Getenv(secretEnv),
		Issuer:   *issuer,
		Audience: *audience,
	}, nil)
	if err != nil {
		return fmt.Errorf("%w (set %s)", err, secretEnv)
	}
	token, err := auth.Issue(*subject, strings.Fields(*scopes), *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func runPreview(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("preview", flag.ContinueOnError)
	kindName := fs.String("kind", "upper", "rebalance kind: upper, lower or fixed")
	navBase := fs.String("nav-base", "", "base nav at the trigger")
	navA := fs.String("nav-a", "", "tranche A nav at the trigger")
	weightA := fs.Uint64("weight-a", 1, "tranche A weight")
	weightB := fs.Uint64("weight-b", 1, "tranche B weight")
	balBase := fs.String("base", "0", "base balance to convert")
	balA := fs.String("a", "0", "tranche A balance to convert")
	balB := fs.String("b", "0", "tranche B balance to convert")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, err := parseKind(*kindName)
	if err != nil {
		return err
	}
	weights := fund.Weights{A: *weightA, B: *weightB}
	if weights.A == 0 || weights.B == 0 {
		return fmt.Errorf("weights must be positive")
	}
	base, err := fund.ParseDecimal(*navBase)
	if err != nil {
		return fmt.Errorf("-nav-base: %w", err)
	}
	a, err := fund.ParseDecimal(*navA)
	if err != nil {
		return fmt.Errorf("-nav-a: %w", err)
	}
	b, err := fund.NavBOf(base, a, weights)
	if err != nil {
		return err
	}
	var navs fund.Navs
	navs.Base.Set(base)
	navs.A.Set(a)
	navs.B.Set(b)

	r, err := fund.RebalanceRatios(kind, navs, weights, 0)
	if err != nil {
		return err
	}
	var balances fund.Amounts
	for t, raw := range []string{*balBase, *balA, *balB} {
		v, err := fund.ParseDecimal(raw)
		if err != nil {
			return fmt.Errorf("balance %s: %w", fund.Tranche(t), err)
		}
		balances[t].Set(v)
	}
	after, err := r.Apply(balances)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "kind          %s\n", r.Kind)
	fmt.Fprintf(out, "navs          base=%s a=%s b=%s\n", fund.FormatDecimal(&navs.Base), fund.FormatDecimal(&navs.A), fund.FormatDecimal(&navs.B))
	fmt.Fprintf(out, "ratio_base    %s\n", fund.FormatDecimal(&r.RatioBase))
	fmt.Fprintf(out, "ratio_a2base  %s\n", fund.FormatDecimal(&r.RatioA2Base))
	fmt.Fprintf(out, "ratio_b2base  %s\n", fund.FormatDecimal(&r.RatioB2Base))
	fmt.Fprintf(out, "ratio_ab      %s\n", fund.FormatDecimal(&r.RatioAB))
	fmt.Fprintf(out, "before        base=%s a=%s b=%s\n", fund.FormatDecimal(&balances[0]), fund.FormatDecimal(&balances[1]), fund.FormatDecimal(&balances[2]))
	fmt.Fprintf(out, "after         base=%s a=%s b=%s\n", fund.FormatDecimal(&after[0]), fund.FormatDecimal(&after[1]), fund.FormatDecimal(&after[2]))
	return nil
}

func parseKind(name string) (fund.RebalanceKind, error) {
	for _, k := range []fund.RebalanceKind{fund.RebalanceUpper, fund.RebalanceLower, fund.RebalanceFixed} {
		if strings.EqualFold(strings.TrimSpace(name), k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown rebalance kind %q", name)
}
