package main

import (
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	. "authograder/types"
)

func CommandList(cmd *cobra.Command, args []string) {
	mustLoadConfig(cmd)

	assignments := []*Assignment{}
	mustGetObject("/assignments", nil, &assignments)
	subs := []*Submission{}
	mustGetObject("/submissions", nil, &subs)
	byAssignment := make(map[int64]*Submission)
	for _, sub := range subs {
		byAssignment[sub.AssignmentID] = sub
	}

	if len(assignments) == 0 {
		fmt.Println("no assignments found")
		return
	}
	for _, asst := range assignments {
		status := "not submitted"
		if sub := byAssignment[asst.ID]; sub != nil {
			if sub.AttemptCount > 0 {
				status = fmt.Sprintf("%d/%d points, %d attempt%s used",
					sub.Score, asst.MaxPoints, sub.AttemptCount, plural(int(sub.AttemptCount)))
			} else {
				status = "submitted, not yet graded"
			}
		}
		fmt.Printf("%3d: %s (due %s, %d points) [%s]\n",
			asst.ID, asst.Name, asst.DueAt.Format("Jan 2 15:04"), asst.MaxPoints, status)
	}
}

func CommandGet(cmd *cobra.Command, args []string) {
	mustLoadConfig(cmd)
	if len(args) < 1 || len(args) > 2 {
		cmd.Help()
		os.Exit(1)
	}
	assignmentID := mustParseInt(args[0])
	dir := "."
	if len(args) == 2 {
		dir = args[1]
	}

	asst := new(Assignment)
	mustGetObject(fmt.Sprintf("/assignments/%d", assignmentID), nil, asst)

	raw, filename := mustGetFile(fmt.Sprintf("/assignments/%d/notebook", assignmentID))
	if filename == "" {
		filename = fmt.Sprintf("assignment-%d.ipynb", assignmentID)
	}
	target := filepath.Join(dir, filename)
	if _, err := os.Stat(target); err == nil {
		log.Fatalf("%s already exists; delete it first if you want a fresh copy", target)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("error creating directory %s: %v", dir, err)
	}
	if err := os.WriteFile(target, raw, 0644); err != nil {
		log.Fatalf("error writing %s: %v", target, err)
	}
	fmt.Printf("downloaded %q to %s\n", asst.Name, target)
}

func CommandSubmit(cmd *cobra.Command, args []string) {
	mustLoadConfig(cmd)
	if len(args) != 2 {
		cmd.Help()
		os.Exit(1)
	}
	assignmentID := mustParseInt(args[0])
	raw, err := os.ReadFile(args[1])
	if err != nil {
		log.Fatalf("error reading %s: %v", args[1], err)
	}

	fmt.Println("uploading and checking the notebook, this can take a minute...")
	sub := new(Submission)
	mustPostFile(fmt.Sprintf("/assignments/%d/submissions", assignmentID), nil, args[1], raw, sub)
	fmt.Printf("upload accepted; run '%s grade %d' to have it graded\n", os.Args[0], assignmentID)
}

// mustGetFile downloads a raw file rather than a JSON object. It
// returns the contents and the server's suggested file name, if any.
func mustGetFile(path string) ([]byte, string) {
	url := fmt.Sprintf("https://%s%s%s", Config.Host, urlPrefix, path)
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		log.Fatalf("error creating http request: %v\n", err)
	}
	req.Header.Add("Cookie", Config.Cookie)

	if Config.apiReport {
		fmt.Printf("GET %s\n", req.URL)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("error connecting to %s: %v", Config.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("unexpected status from %s: %s", url, resp.Status)
		dumpBody(resp)
		log.Fatalf("giving up")
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("error reading download: %v", err)
	}

	filename := ""
	if disposition := resp.Header.Get("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			filename = params["filename"]
		}
	}
	return raw, filename
}

func mustParseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1 {
		log.Fatalf("expected a numeric ID, found %q", s)
	}
	return n
}

func findSubmission(assignmentID int64) *Submission {
	params := make(url.Values)
	params.Add("assignment_id", strconv.FormatInt(assignmentID, 10))
	subs := []*Submission{}
	mustGetObject("/submissions", params, &subs)
	if len(subs) == 0 {
		log.Fatalf("no submission found for assignment %d; run '%s submit' first", assignmentID, os.Args[0])
	}
	return subs[0]
}
