package cli

// cmd/cli/inspect.go — CLI wrappers for transparency-log inspection and
// build triggers against a running node's control API.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pyrsia-network/pkg/utils"
)

var inspectFlags struct {
	apiURL string
	format string
}

func initInspectMiddleware(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()
	resolveStringFlag(cmd, "api", &inspectFlags.apiURL, os.Getenv("PYRSIA_API_URL"))
	if inspectFlags.apiURL == "" {
		inspectFlags.apiURL = fmt.Sprintf("http://localhost:%d", utils.EnvOrDefaultInt("PYRSIA_API_PORT", 7889))
	}
}

func postJSON(path string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(inspectFlags.apiURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", utils.Wrap(err, "node API")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("node API status %d: %s", resp.StatusCode, data)
	}
	return string(data), nil
}

// InspectCmd is the `inspect` command group.
func InspectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "inspect", Short: "inspect the transparency log"}

	docker := &cobra.Command{
		Use:    "docker [image]",
		Short:  "list transparency log entries for a docker image",
		Args:   cobra.ExactArgs(1),
		PreRun: initInspectMiddleware,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := postJSON("/inspect/docker", map[string]interface{}{
				"image":         args[0],
				"output_params": map[string]string{"format": inspectFlags.format},
			})
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	maven := &cobra.Command{
		Use:    "maven [gav]",
		Short:  "list transparency log entries for a maven coordinate",
		Args:   cobra.ExactArgs(1),
		PreRun: initInspectMiddleware,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := postJSON("/inspect/maven", map[string]interface{}{
				"gav":           args[0],
				"output_params": map[string]string{"format": inspectFlags.format},
			})
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	for _, c := range []*cobra.Command{docker, maven} {
		c.Flags().String("api", "", "node API base URL")
		c.Flags().StringVar(&inspectFlags.format, "format", "json", "output format (json|csv)")
	}
	cmd.AddCommand(docker, maven)
	return cmd
}

// BuildCmd is the `build` command group.
func BuildCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "build", Short: "trigger authenticated builds"}

	docker := &cobra.Command{
		Use:    "docker [image]",
		Short:  "request a build of a docker image",
		Args:   cobra.ExactArgs(1),
		PreRun: initInspectMiddleware,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := postJSON("/build/docker", map[string]string{"image": args[0]})
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	maven := &cobra.Command{
		Use:    "maven [gav]",
		Short:  "request a build of a maven artifact",
		Args:   cobra.ExactArgs(1),
		PreRun: initInspectMiddleware,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := postJSON("/build/maven", map[string]string{"gav": args[0]})
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	for _, c := range []*cobra.Command{docker, maven} {
		c.Flags().String("api", "", "node API base URL")
	}
	cmd.AddCommand(docker, maven)
	return cmd
}
