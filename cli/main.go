package main

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/blang/semver"
	"github.com/spf13/cobra"

	. "authograder/types"
)

const (
	perUserDotFile = ".nbgrinderc"
	urlPrefix      = "/v2"
)

var Config struct {
	Host      string `json:"host"`
	Cookie    string `json:"cookie"`
	apiReport bool
	apiDump   bool
}

func main() {
	log.SetFlags(0)

	cmdRoot := &cobra.Command{
		Use:   "nbgrind",
		Short: "Command-line interface to Authograder",
		Long: "A command-line tool to work with notebook assignments:\n" +
			"download them, submit them, and have them graded.",
	}
	cmdRoot.PersistentFlags().BoolVarP(&Config.apiReport, "api", "", false, "report all API requests")
	cmdRoot.PersistentFlags().BoolVarP(&Config.apiDump, "api-dump", "", false, "dump API request and response data")

	cmdVersion := &cobra.Command{
		Use:   "version",
		Short: "print the version number of nbgrind",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("nbgrind " + CurrentVersion.Version)
		},
	}
	cmdRoot.AddCommand(cmdVersion)

	cmdLogin := &cobra.Command{
		Use:   "login <hostname> <email>",
		Short: "login to an authograder server",
		Long: "Log in with the email address you registered with.\n" +
			"The password is read from the terminal, not the command line.\n\n" +
			"You should normally only need to do this once per semester.",
		Run: CommandLogin,
	}
	cmdRoot.AddCommand(cmdLogin)

	cmdLogout := &cobra.Command{
		Use:   "logout",
		Short: "log out and discard the saved session",
		Run:   CommandLogout,
	}
	cmdRoot.AddCommand(cmdLogout)

	cmdList := &cobra.Command{
		Use:   "list",
		Short: "list the assignments available to you",
		Run:   CommandList,
	}
	cmdRoot.AddCommand(cmdList)

	cmdGet := &cobra.Command{
		Use:   "get <assignment id> [directory]",
		Short: "download an assignment notebook to work on it locally",
		Long: fmt.Sprintf("Give the numeric ID shown at the start of each listing.\n\n"+
			"Use '%s list' to see the assignments available to you.\n\n"+
			"The notebook is saved in the given directory\n"+
			"(the current directory by default).", os.Args[0]),
		Run: CommandGet,
	}
	cmdRoot.AddCommand(cmdGet)

	cmdSubmit := &cobra.Command{
		Use:   "submit <assignment id> <notebook.ipynb>",
		Short: "upload your notebook for an assignment",
		Long: "Upload your work. The server runs every code cell once and\n" +
			"rejects the upload if anything worse than a failed assertion\n" +
			"happens. Uploading does not spend a grading attempt.",
		Run: CommandSubmit,
	}
	cmdRoot.AddCommand(cmdSubmit)

	cmdGrade := &cobra.Command{
		Use:   "grade <assignment id>",
		Short: "have your uploaded notebook graded",
		Long: "Grade your most recent upload for this assignment.\n" +
			"This spends one attempt and reports your score.",
		Run: CommandGrade,
	}
	cmdRoot.AddCommand(cmdGrade)

	cmdCreate := &cobra.Command{
		Use:   "create [assignment.cfg]",
		Short: "create or update an assignment (tutors only)",
		Long: "Create an assignment from an instructor notebook and an\n" +
			"assignment.cfg file in the current directory (or the named\n" +
			"file). If the config names an existing assignment ID, the\n" +
			"assignment is updated in place.",
		Run: CommandCreate,
	}
	cmdCreate.Flags().BoolP("update", "u", false, "update an existing assignment")
	cmdRoot.AddCommand(cmdCreate)

	cmdRoot.Execute()
}

func CommandLogin(cmd *cobra.Command, args []string) {
	if len(args) != 2 {
		log.Fatalf("Usage: %s login <hostname> <email>", os.Args[0])
	}
	Config.Host = args[0]
	email := args[1]

	fmt.Printf("password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		log.Fatalf("no password given")
	}
	password := strings.TrimSpace(scanner.Text())

	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		log.Fatalf("JSON error encoding login request: %v", err)
	}
	resp, err := http.Post(fmt.Sprintf("https://%s%s/users/login", Config.Host, urlPrefix),
		"application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("error connecting to %s: %v", Config.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("login failed: %s", resp.Status)
	}
	cookie := ""
	for _, elt := range resp.Cookies() {
		if elt.Name == CookieName {
			cookie = elt.String()
		}
	}
	if cookie == "" {
		log.Fatalf("login succeeded but no session cookie was returned")
	}
	Config.Cookie = cookie

	// see if we need an upgrade
	checkVersion()

	// try it out by fetching our user record
	user := new(User)
	mustGetObject("/users/me", nil, user)

	mustWriteConfig()
	fmt.Printf("login successful; welcome %s\n", user.Name)
}

func CommandLogout(cmd *cobra.Command, args []string) {
	mustLoadConfig(cmd)
	mustPostObject("/users/logout", nil, nil, nil)
	Config.Cookie = ""
	mustWriteConfig()
	fmt.Println("logged out")
}

func mustGetObject(path string, params url.Values, download interface{}) {
	doRequest(path, params, "GET", nil, download, false)
}

func getObject(path string, params url.Values, download interface{}) bool {
	return doRequest(path, params, "GET", nil, download, true)
}

func mustPostObject(path string, params url.Values, upload interface{}, download interface{}) {
	doRequest(path, params, "POST", upload, download, false)
}

func mustPutObject(path string, params url.Values, upload interface{}, download interface{}) {
	doRequest(path, params, "PUT", upload, download, false)
}

func doRequest(path string, params url.Values, method string, upload interface{}, download interface{}, notfoundokay bool) bool {
	if !strings.HasPrefix(path, "/") {
		log.Panicf("doRequest path must start with /")
	}
	if method != "GET" && method != "POST" && method != "PUT" && method != "DELETE" {
		log.Panicf("doRequest only recognizes GET, POST, PUT, and DELETE methods")
	}
	url := fmt.Sprintf("https://%s%s%s", Config.Host, urlPrefix, path)
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		log.Fatalf("error creating http request: %v\n", err)
	}

	// add any parameters
	if len(params) > 0 {
		req.URL.RawQuery = params.Encode()
	}

	if Config.apiReport {
		fmt.Printf("%s %s\n", method, req.URL)
	}

	// set the headers
	req.Header.Add("Cookie", Config.Cookie)
	if download != nil {
		req.Header.Add("Accept", "application/json")
		req.Header.Add("Accept-Encoding", "gzip")
	}

	// upload the payload if any
	if upload != nil && (method == "POST" || method == "PUT") {
		req.Header.Add("Content-Type", "application/json")
		req.Header.Add("Content-Encoding", "gzip")
		payload := new(bytes.Buffer)
		gw := gzip.NewWriter(payload)
		uncompressed := new(bytes.Buffer)
		var jsontarget io.Writer
		if Config.apiDump {
			jsontarget = io.MultiWriter(gw, uncompressed)
		} else {
			jsontarget = gw
		}
		jw := json.NewEncoder(jsontarget)
		if err := jw.Encode(upload); err != nil {
			log.Fatalf("doRequest: JSON error encoding object to upload: %v", err)
		}
		if err := gw.Close(); err != nil {
			log.Fatalf("doRequest: gzip error encoding object to upload: %v", err)
		}
		req.Body = io.NopCloser(payload)

		if Config.apiDump {
			fmt.Printf("Request data: %s\n", uncompressed)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("error connecting to %s: %v", Config.Host, err)
	}
	defer resp.Body.Close()
	if notfoundokay && resp.StatusCode == http.StatusNotFound {
		return false
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		log.Printf("unexpected status from %s: %s", url, resp.Status)
		dumpBody(resp)
		log.Fatalf("giving up")
	}

	// parse the result if any
	if download != nil {
		body := resp.Body
		if resp.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(body)
			if err != nil {
				log.Fatalf("failed to decompress gzip result: %v", err)
			}
			body = gz
			defer gz.Close()
		}
		decoder := json.NewDecoder(body)
		if err := decoder.Decode(download); err != nil {
			log.Fatalf("failed to parse result object from server: %v", err)
		}

		if Config.apiDump {
			raw, err := json.MarshalIndent(download, "", "    ")
			if err != nil {
				log.Fatalf("doRequest: JSON error encoding downloaded object: %v", err)
			}
			fmt.Printf("Response data: %s\n", raw)
		}

		return true
	}
	return false
}

// mustPostFile uploads a notebook as a multipart form, with any extra
// fields included alongside the file.
func mustPostFile(path string, fields map[string]string, filename string, content []byte, download interface{}) {
	body := new(bytes.Buffer)
	form := multipart.NewWriter(body)
	for key, value := range fields {
		if err := form.WriteField(key, value); err != nil {
			log.Fatalf("error building upload form: %v", err)
		}
	}
	part, err := form.CreateFormFile("notebook", filepath.Base(filename))
	if err != nil {
		log.Fatalf("error building upload form: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		log.Fatalf("error building upload form: %v", err)
	}
	if err := form.Close(); err != nil {
		log.Fatalf("error building upload form: %v", err)
	}

	url := fmt.Sprintf("https://%s%s%s", Config.Host, urlPrefix, path)
	req, err := http.NewRequest("POST", url, body)
	if err != nil {
		log.Fatalf("error creating http request: %v\n", err)
	}
	req.Header.Add("Cookie", Config.Cookie)
	req.Header.Add("Content-Type", form.FormDataContentType())
	req.Header.Add("Accept", "application/json")

	if Config.apiReport {
		fmt.Printf("POST %s\n", req.URL)
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
	if download != nil {
		if err := json.NewDecoder(resp.Body).Decode(download); err != nil {
			log.Fatalf("failed to parse result object from server: %v", err)
		}
	}
}

func mustLoadConfig(cmd *cobra.Command) {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("unable to find home directory: %v", err)
	}
	configFile := filepath.Join(home, perUserDotFile)

	if raw, err := os.ReadFile(configFile); err != nil {
		log.Fatalf("Unable to load config file; try running '%s login'\n", os.Args[0])
	} else if err := json.Unmarshal(raw, &Config); err != nil {
		log.Printf("failed to parse %s: %v", configFile, err)
		log.Fatalf("you may wish to try deleting the file and running '%s login' again\n", os.Args[0])
	}
	if Config.apiDump {
		Config.apiReport = true
	}

	checkVersion()
}

func mustWriteConfig() {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("unable to find home directory: %v", err)
	}
	configFile := filepath.Join(home, perUserDotFile)

	raw, err := json.MarshalIndent(&Config, "", "    ")
	if err != nil {
		log.Fatalf("JSON error encoding cookie file: %v", err)
	}
	raw = append(raw, '\n')

	if err = os.WriteFile(configFile, raw, 0644); err != nil {
		log.Fatalf("error writing %s: %v", configFile, err)
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func checkVersion() {
	server := new(Version)
	mustGetObject("/version", nil, server)
	current := semver.MustParse(CurrentVersion.Version)
	required := semver.MustParse(server.NbgrindVersionRequired)
	if required.GT(current) {
		log.Printf("this is nbgrind version %s, but the server requires %s or higher", CurrentVersion.Version, server.NbgrindVersionRequired)
		log.Fatalf("  you must upgrade to continue")
	}
	recommended := semver.MustParse(server.NbgrindVersionRecommended)
	if recommended.GT(current) {
		log.Printf("this is nbgrind version %s, but the server recommends %s or higher", CurrentVersion.Version, server.NbgrindVersionRecommended)
		log.Printf("  please upgrade as soon as possible")
	}
}

func dumpBody(resp *http.Response) {
	if resp.Body == nil {
		return
	}

	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			log.Fatalf("failed to decompress gzip result: %v", err)
		}
		defer gz.Close()
		io.Copy(os.Stderr, gz)
	} else {
		io.Copy(os.Stderr, resp.Body)
	}
}
