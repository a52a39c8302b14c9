package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/gcfg.v1"

	. "authograder/types"
)

// CommandCreate uploads an instructor notebook as a new assignment.
// The metadata comes from an assignment.cfg file next to the notebook:
//
//	[assignment]
//	id = 12                     ; only when updating
//	name = Loops and lists
//	discipline = CS
//	notebook = loops.ipynb
//	available = 2026-09-07T08:00
//	due = 2026-09-21T23:59
//	maxattempts = 3
func CommandCreate(cmd *cobra.Command, args []string) {
	mustLoadConfig(cmd)
	isUpdate := cmd.Flag("update").Value.String() == "true"

	configPath := "assignment.cfg"
	if len(args) == 1 {
		configPath = args[0]
	} else if len(args) > 1 {
		cmd.Help()
		os.Exit(1)
	}

	var cfg struct {
		Assignment struct {
			ID          int64
			Name        string
			Discipline  string
			Notebook    string
			Available   string
			Due         string
			MaxAttempts int64
		}
	}
	if err := gcfg.ReadFileInto(&cfg, configPath); err != nil {
		log.Fatalf("failed to parse %s: %v", configPath, err)
	}
	a := cfg.Assignment
	if a.Name == "" {
		log.Fatalf("%s must give the assignment a name", configPath)
	}
	if a.Notebook == "" {
		log.Fatalf("%s must name the instructor notebook file", configPath)
	}

	available, due := mustParseCfgTime(configPath, "available", a.Available), mustParseCfgTime(configPath, "due", a.Due)
	notebookPath := a.Notebook
	if !filepath.IsAbs(notebookPath) {
		notebookPath = filepath.Join(filepath.Dir(configPath), notebookPath)
	}
	raw, err := os.ReadFile(notebookPath)
	if err != nil {
		log.Fatalf("error reading %s: %v", notebookPath, err)
	}

	if isUpdate || a.ID > 0 {
		if a.ID <= 0 {
			log.Fatalf("%s must give the assignment ID when updating", configPath)
		}

		update := map[string]interface{}{
			"name":        a.Name,
			"discipline":  a.Discipline,
			"availableAt": available,
			"dueAt":       due,
			"maxAttempts": a.MaxAttempts,
		}
		final := new(Assignment)
		mustPutObject(fmt.Sprintf("/assignments/%d", a.ID), nil, update, final)
		mustPostFile(fmt.Sprintf("/assignments/%d/notebook", a.ID), nil, a.Notebook, raw, final)
		fmt.Printf("assignment %q updated, worth %d points\n", final.Name, final.MaxPoints)
		return
	}

	fields := map[string]string{
		"name":         a.Name,
		"discipline":   a.Discipline,
		"available_at": available.Format(time.RFC3339),
		"due_at":       due.Format(time.RFC3339),
		"max_attempts": fmt.Sprintf("%d", a.MaxAttempts),
	}
	final := new(Assignment)
	mustPostFile("/assignments", fields, a.Notebook, raw, final)
	fmt.Printf("assignment %q created with ID %d, worth %d points\n", final.Name, final.ID, final.MaxPoints)
}

func mustParseCfgTime(configPath, label, value string) time.Time {
	if value == "" {
		log.Fatalf("%s must give the %s date", configPath, label)
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"} {
		if when, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return when
		}
	}
	log.Fatalf("%s: cannot parse %s date %q", configPath, label, value)
	return time.Time{}
}
