package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	. "authograder/types"
)

func CommandGrade(cmd *cobra.Command, args []string) {
	mustLoadConfig(cmd)
	if len(args) != 1 {
		cmd.Help()
		os.Exit(1)
	}
	assignmentID := mustParseInt(args[0])

	asst := new(Assignment)
	mustGetObject(fmt.Sprintf("/assignments/%d", assignmentID), nil, asst)
	sub := findSubmission(assignmentID)

	// open a socket to the server and watch the grading live
	url := fmt.Sprintf("wss://%s%s/sockets/submissions/%d/evaluate", Config.Host, urlPrefix, sub.ID)
	headers := make(http.Header)
	headers.Add("Cookie", Config.Cookie)
	socket, resp, err := websocket.DefaultDialer.Dial(url, headers)
	if err != nil {
		log.Printf("error dialing %s: %v", url, err)
		if resp != nil && resp.Body != nil {
			dumpBody(resp)
			resp.Body.Close()
		}
		log.Fatalf("giving up")
	}
	defer socket.Close()

	fmt.Printf("grading %q (attempt %d of %d)\n", asst.Name, sub.AttemptCount+1, asst.MaxAttempts)
	for {
		event := new(EventMessage)
		if err := socket.ReadJSON(event); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return
			}
			log.Fatalf("socket error reading event: %v", err)
		}

		switch event.Event {
		case "exec":
			fmt.Printf("--> running cell %d\n", event.CellIndex)
		case "stdout", "stderr":
			fmt.Print(event.StreamData)
		case "result":
			if event.CellResult != nil && !event.CellResult.Passed() {
				fmt.Printf("    cell %d: %s\n", event.CellIndex, event.CellResult.Outcome)
			}
		case "error":
			log.Fatalf("grading failed: %s", event.Error)
		case "score":
			fmt.Printf("\nscore: %d/%d", event.Score, asst.MaxPoints)
			if len(event.Feedback) > 0 {
				fmt.Printf(" (%d failed cell%s: %v)", len(event.Feedback), plural(len(event.Feedback)), event.Feedback)
			}
			fmt.Println()
			return
		}
	}
}
