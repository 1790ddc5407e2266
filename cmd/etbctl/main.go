// Command etbctl is the bench console for a running etbd: it renders the
// daemon's status and issues throttle commands over the local web API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"etbd/internal/web"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "etbd base URL")
	flag.Parse()

	args := flag.Args()
	cmd := "status"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	client := &client{base: *addr, http: &http.Client{Timeout: 5 * time.Second}}

	var err error
	switch cmd {
	case "status":
		err = showStatus(client)
	case "duty":
		err = setDuty(client, args)
	case "autocal":
		err = client.post("/api/throttle/autocal", map[string]any{"index": indexArg(args)})
	case "autotune":
		err = client.post("/api/throttle/autotune", map[string]any{"index": indexArg(args), "enabled": !hasFlag(args, "off")})
	case "reset":
		err = client.post("/api/throttle/reset", map[string]any{"index": indexArg(args)})
	case "stop":
		err = client.post("/api/engine/stop", map[string]any{})
	case "sensor":
		err = setSensor(client, args)
	default:
		pterm.Error.Printf("unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: etbctl [-addr URL] <command>")
	fmt.Println("  status                       show controllers, limp state and sensors")
	fmt.Println("  duty <index> <percent>       force a direct motor duty")
	fmt.Println("  duty <index> clear           return the slot to closed loop")
	fmt.Println("  autocal <index>              run TPS auto calibration (engine stopped)")
	fmt.Println("  autotune <index> [off]       arm or disarm PID autotune")
	fmt.Println("  reset <index>                reset controller state")
	fmt.Println("  stop                         request an engine stop")
	fmt.Println("  sensor <name> <value|invalid> inject a bench sensor value")
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) post(path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	pterm.Success.Println("ok")
	return nil
}

func httpError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(b))
}

func showStatus(c *client) error {
	var st web.StatusSnapshot
	if err := c.get("/api/status", &st); err != nil {
		return err
	}

	pterm.DefaultSection.Println("Throttles")
	table := pterm.TableData{{"Slot", "Function", "Status", "Target", "Position", "Output", "Jam"}}
	for i, ctl := range st.Controllers {
		table = append(table, []string{
			strconv.Itoa(i), ctl.Function, ctl.Status,
			fmt.Sprintf("%.1f%%", ctl.Target),
			fmt.Sprintf("%.1f%%", ctl.Position),
			fmt.Sprintf("%.1f%%", ctl.Output),
			boolWord(ctl.JamDetected, "JAM", "-"),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(table).Render(); err != nil {
		return err
	}

	pterm.DefaultSection.Println("Limp")
	limpTable := pterm.TableData{
		{"Channel", "Allowed", "Reason"},
		{"injection", boolWord(st.Limp.AllowInjection, "yes", "NO"), st.Limp.InjectionReason},
		{"ignition", boolWord(st.Limp.AllowIgnition, "yes", "NO"), st.Limp.IgnitionReason},
		{"throttle", boolWord(st.Limp.AllowThrottle, "yes", "NO"), st.Limp.ThrottleReason},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(limpTable).Render(); err != nil {
		return err
	}
	if st.Limp.RevLimit > 0 {
		pterm.Info.Printf("rev limit %.0f rpm (resume %.0f)\n", st.Limp.RevLimit, st.Limp.ResumeRpm)
	}

	pterm.DefaultSection.Println("Sensors")
	names := make([]string, 0, len(st.Sensors))
	for name := range st.Sensors {
		names = append(names, name)
	}
	sort.Strings(names)
	sensorTable := pterm.TableData{{"Sensor", "Value", "Valid"}}
	for _, name := range names {
		s := st.Sensors[name]
		sensorTable = append(sensorTable, []string{
			name, fmt.Sprintf("%.2f", s.Value), boolWord(s.Valid, "yes", "NO"),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(sensorTable).Render()
}

func setDuty(c *client, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: duty <index> <percent|clear>")
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad index %q", args[0])
	}
	if args[1] == "clear" {
		return c.post("/api/throttle/duty", map[string]any{"index": idx, "clear": true})
	}
	pct, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("bad percent %q", args[1])
	}
	return c.post("/api/throttle/duty", map[string]any{"index": idx, "percent": pct})
}

func setSensor(c *client, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: sensor <name> <value|invalid>")
	}
	if args[1] == "invalid" {
		return c.post("/api/sensors", map[string]any{"name": args[0], "invalid": true})
	}
	v, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("bad value %q", args[1])
	}
	return c.post("/api/sensors", map[string]any{"name": args[0], "value": v})
}

func indexArg(args []string) int {
	if len(args) == 0 {
		return 0
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return 0
	}
	return idx
}

func hasFlag(args []string, word string) bool {
	for _, a := range args {
		if a == word {
			return true
		}
	}
	return false
}

func boolWord(v bool, yes, no string) string {
	if v {
		return yes
	}
	return no
}
