package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gridmr/gridmr/internal/controller/api/rest"
)

// manifest is the YAML job description accepted by the submit command.
type manifest struct {
	Name          string            `yaml:"name"`
	InputPatterns []string          `yaml:"input_patterns"`
	OutputDir     string            `yaml:"output_dir"`
	Reducers      int               `yaml:"reducers"`
	Priority      int               `yaml:"priority"`
	ACLs          map[string]string `yaml:"acls"`
}

func buildSubmitCommand() *cobra.Command {
	var server, identity, file string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job from a YAML manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var man manifest
			if err := yaml.Unmarshal(data, &man); err != nil {
				return fmt.Errorf("parsing manifest %s: %w", file, err)
			}

			req := rest.SubmitJobRequest{
				Name:          man.Name,
				InputPatterns: man.InputPatterns,
				OutputDir:     man.OutputDir,
				Reducers:      man.Reducers,
				Priority:      man.Priority,
				ACLs:          man.ACLs,
			}
			var resp rest.SubmitJobResponse
			if err := call(server, identity, http.MethodPost, "/api/jobs", req, &resp); err != nil {
				return err
			}
			fmt.Printf("submitted %s (%s)\n", resp.JobID, resp.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "controller address")
	cmd.Flags().StringVar(&identity, "user", defaultIdentity(), "identity sent with the request")
	cmd.Flags().StringVarP(&file, "file", "f", "job.yaml", "job manifest path")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var server, identity string

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rest.GetJobResponse
			if err := call(server, identity, http.MethodGet, "/api/jobs/"+args[0], nil, &resp); err != nil {
				return err
			}
			fmt.Printf("job:      %s (%s)\n", resp.JobID, resp.Name)
			fmt.Printf("state:    %s\n", resp.State)
			fmt.Printf("priority: %d\n", resp.Priority)
			fmt.Printf("maps:     %d/%d succeeded\n", resp.Maps.Succeeded, resp.Maps.Total)
			fmt.Printf("reduces:  %d/%d succeeded\n", resp.Reduces.Succeeded, resp.Reduces.Total)
			for _, d := range resp.Diagnostics {
				fmt.Printf("diag:     %s\n", d)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "controller address")
	cmd.Flags().StringVar(&identity, "user", defaultIdentity(), "identity sent with the request")
	return cmd
}

func buildKillCommand() *cobra.Command {
	var server, identity string

	cmd := &cobra.Command{
		Use:   "kill <job-id>",
		Short: "Ask the controller to kill a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rest.JobStateResponse
			if err := call(server, identity, http.MethodPost, "/api/jobs/"+args[0]+"/kill", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("job %s: %s\n", resp.JobID, resp.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "controller address")
	cmd.Flags().StringVar(&identity, "user", defaultIdentity(), "identity sent with the request")
	return cmd
}

// call issues one API request and decodes the JSON response into out.
func call(server, identity, method, path string, body, out any) error {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, server+path, &payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Remote-User", identity)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr rest.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func defaultIdentity() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
