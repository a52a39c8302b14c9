package main

import (
	"compress/gzip"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"expvar"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-martini/martini"
	"github.com/martini-contrib/binding"
	mgzip "github.com/martini-contrib/gzip"
	"github.com/martini-contrib/render"
	_ "github.com/mattn/go-sqlite3"
	"github.com/russross/meddler"

	. "authograder/types"
)

// Config holds site-specific configuration data.
var Config struct {
	// required parameters
	Hostname      string `json:"hostname"`      // Hostname for the site: "your.host.goes.here"
	SessionSecret string `json:"sessionSecret"` // Random string used to sign cookie sessions: `head -c 32 /dev/urandom | base64`

	// parameters where the default is usually sufficient
	SQLite3Path    string      `json:"sqlite3Path"`    // path to the sqlite database file: default "$AUTHOGRADERROOT/db/authograder.db"
	KernelImage    string      `json:"kernelImage"`    // container image used for notebook execution: default "authograder/python3kernel"
	KernelCount    int         `json:"kernelCount"`    // maximum number of concurrent kernel containers: default 2
	CellSeconds    int64       `json:"cellSeconds"`    // wall-clock budget per executed cell: default 30
	GradingSeconds int64       `json:"gradingSeconds"` // wall-clock budget for one full grading/pre-check pass: default 300
	SessionsExpire []time.Time `json:"sessionsExpire"` // times/dates when sessions should expire (year is ignored)
}

var root string
var port string

var db *sql.DB
var dbMutex sync.Mutex

func main() {
	log.SetFlags(log.Lshortfile)

	root = os.Getenv("AUTHOGRADERROOT")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("AUTHOGRADERROOT is not set, and cannot find user's home directory")
		}
		root = filepath.Join(home, "authograder")
	}
	log.Printf("AUTHOGRADERROOT set to %s", root)

	port = ":" + os.Getenv("PORT")
	if port == ":" {
		port = ":8080"
	}
	log.Printf("port set to %s", port)

	// parse command line
	var useConfig bool
	flag.BoolVar(&useConfig, "config", false, "Use config.json for config data (for testing)")
	flag.Parse()

	// set config defaults
	Config.SQLite3Path = filepath.Join(root, "db", "authograder.db")
	Config.KernelImage = "authograder/python3kernel"
	Config.KernelCount = 2
	Config.CellSeconds = 30
	Config.GradingSeconds = 300
	Config.SessionsExpire = []time.Time{
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local),
		time.Date(2020, 7, 1, 0, 0, 0, 0, time.Local),
	}

	// load config
	if useConfig {
		configFile := filepath.Join(root, "config.json")
		if raw, err := os.ReadFile(configFile); err != nil {
			log.Fatalf("failed to load config file %q: %v", configFile, err)
		} else if err := json.Unmarshal(raw, &Config); err != nil {
			log.Fatalf("failed to parse config file: %v", err)
		}
	} else {
		Config.Hostname = os.Getenv("AUTHOGRADER_HOSTNAME")
		Config.SessionSecret = os.Getenv("AUTHOGRADER_SESSIONSECRET")
		if image := os.Getenv("AUTHOGRADER_KERNELIMAGE"); image != "" {
			Config.KernelImage = image
		}
	}
	Config.SessionSecret = unBase64(Config.SessionSecret)

	if Config.Hostname == "" {
		log.Fatalf("cannot run with no hostname in the config")
	}
	if Config.SessionSecret == "" {
		log.Fatalf("cannot run with no sessionSecret in the config")
	}

	// set up the kernel pool and file store
	kernelLimiter = make(chan struct{}, Config.KernelCount)
	if err := setupDocker(); err != nil {
		log.Fatalf("connecting to the container engine: %v", err)
	}
	fileStore = NewFileStore(filepath.Join(root, "files"))

	// set up martini
	r := martini.NewRouter()
	m := martini.New()
	m.Logger(log.New(os.Stderr, "", log.Lshortfile))
	m.Use(martini.Recovery())
	m.MapTo(r, (*martini.Routes)(nil))
	m.Action(r.Handle)

	counter := func(w http.ResponseWriter, r *http.Request, c martini.Context) {
		start := time.Now()
		c.Next()
		now := time.Now()
		seconds := now.Sub(start).Seconds()
		hits++
		hitsCounter.Add(1)
		if seconds > slowest {
			slowest = seconds
			slowestCounter.Set(seconds)
			slowestTimeCounter.Set(now.Format(time.RFC1123))
			slowestPathCounter.Set(r.URL.Path)
		}
		totalSeconds += seconds
		totalSecondsCounter.Add(seconds)
		averageSecondsCounter.Set(totalSeconds / float64(hits))
		rw := w.(martini.ResponseWriter)
		if rw.Status() >= 400 {
			errorsCounter.Add(1)
		}
		goroutineCounter.Set(int64(runtime.NumGoroutine()))
	}

	m.Use(mgzip.All())
	m.Use(martini.Static(filepath.Join(root, "www"), martini.StaticOptions{SkipLogging: true}))
	m.Use(martini.Static(filepath.Join(root, "files"), martini.StaticOptions{Prefix: "/files", SkipLogging: true}))
	m.Use(render.Renderer(render.Options{
		Directory:  filepath.Join(root, "templates"),
		Layout:     "layout",
		Extensions: []string{".tmpl"},
	}))

	// set up the database
	db = setupDB(Config.SQLite3Path)

	// martini service: wrap handler in a transaction
	withTx := func(c martini.Context, r *http.Request, w http.ResponseWriter) {
		// start a transaction
		dbMutex.Lock()
		defer dbMutex.Unlock()

		start := time.Now()
		defer func() {
			elapsed := time.Since(start)
			if elapsed > 500*time.Millisecond {
				switch {
				case elapsed < time.Second:
					elapsed -= elapsed % time.Millisecond
				case elapsed < 10*time.Second:
					elapsed -= elapsed % (10 * time.Millisecond)
				default:
					elapsed -= elapsed % (100 * time.Millisecond)
				}
				log.Printf("transaction took %v, req was %s", elapsed, r.RequestURI)
			}
		}()
		tx, err := db.Begin()
		if err != nil {
			loggedHTTPErrorf(w, http.StatusInternalServerError, "db error starting transaction: %v", err)
			return
		}

		// pass it on to the main handler
		c.Map(tx)
		c.Next()

		// was it a successful result?
		rw := w.(martini.ResponseWriter)
		if rw.Status() < http.StatusBadRequest {
			// commit the transaction
			if err := tx.Commit(); err != nil {
				loggedHTTPErrorf(w, http.StatusInternalServerError, "db error committing transaction: %v", err)
				return
			}
		} else {
			// rollback
			if err := tx.Rollback(); err != nil {
				loggedHTTPErrorf(w, http.StatusInternalServerError, "db error rolling back transaction: %v", err)
				return
			}
		}
	}

	// martini service: to require an active logged-in session
	auth := func(w http.ResponseWriter, r *http.Request) {
		_, err := GetSession(r)
		if err != nil {
			loggedHTTPErrorf(w, http.StatusUnauthorized, "authentication failed: try logging in again")
			log.Printf("%v", err)
			return
		}
	}

	// martini service: include the current logged-in user (requires withTx)
	withCurrentUser := func(c martini.Context, w http.ResponseWriter, r *http.Request, tx *sql.Tx) {
		session, err := GetSession(r)
		if err != nil {
			loggedHTTPErrorf(w, http.StatusUnauthorized, "authentication failed: try logging in again")
			log.Printf("%v", err)
			return
		}

		// load the user record
		userID := session.UserID
		user := new(User)
		if err := meddler.Load(tx, "users", user, userID); err != nil {
			session.Delete(w)

			if err == sql.ErrNoRows {
				loggedHTTPErrorf(w, http.StatusUnauthorized, "user %d not found", userID)
				return
			}
			loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
			return
		}

		// map the current user to the request context
		c.Map(user)
	}

	// martini service: require logged in user to be an administrator (requires withCurrentUser)
	administratorOnly := func(w http.ResponseWriter, currentUser *User) {
		if !currentUser.Admin {
			loggedHTTPErrorf(w, http.StatusUnauthorized, "user %d (%s) is not an administrator", currentUser.ID, currentUser.Email)
			return
		}
	}

	// martini service: require logged in user to be a tutor or administrator (requires withCurrentUser)
	tutorOnly := func(w http.ResponseWriter, currentUser *User) {
		if !currentUser.CanAuthor() {
			loggedHTTPErrorf(w, http.StatusUnauthorized, "user %d (%s) is not a tutor", currentUser.ID, currentUser.Email)
			return
		}
	}

	// martini middleware: decompress incoming requests
	gunzip := func(c martini.Context, w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			return
		}

		r.Header.Del("Content-Encoding")
		body := r.Body
		var err error
		r.Body, err = gzip.NewReader(body)
		defer body.Close()
		if err != nil {
			loggedHTTPErrorf(w, http.StatusBadRequest, "gzip error in request: %v", err)
			return
		}
		c.Next()
	}

	// version
	r.Get("/v2/version", counter, func(w http.ResponseWriter, render render.Render) {
		render.JSON(http.StatusOK, &CurrentVersion)
	})

	// stats
	r.Get("/v2/stats", withTx, withCurrentUser, administratorOnly, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		fmt.Fprintf(w, "{\n")
		first := true
		expvar.Do(func(kv expvar.KeyValue) {
			if !first {
				fmt.Fprintf(w, ",\n")
			}
			first = false
			fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
		})
		fmt.Fprintf(w, "\n}\n")
	})

	// users
	r.Post("/v2/users", counter, withTx, gunzip, binding.Json(RegisterRequest{}), PostUser)
	r.Post("/v2/users/login", counter, withTx, gunzip, binding.Json(LoginRequest{}), PostUserLogin)
	r.Post("/v2/users/logout", counter, auth, PostUserLogout)
	r.Get("/v2/users", counter, withTx, withCurrentUser, administratorOnly, GetUsers)
	r.Get("/v2/users/me", counter, withTx, withCurrentUser, GetUserMe)
	r.Get("/v2/users/:user_id", counter, withTx, withCurrentUser, GetUser)
	r.Patch("/v2/users/:user_id", counter, withTx, withCurrentUser, administratorOnly, gunzip, binding.Json(UserPatch{}), PatchUser)
	r.Delete("/v2/users/:user_id", counter, withTx, withCurrentUser, administratorOnly, DeleteUser)

	// assignments
	r.Post("/v2/assignments", counter, withTx, withCurrentUser, tutorOnly, PostAssignment)
	r.Get("/v2/assignments", counter, withTx, withCurrentUser, GetAssignments)
	r.Get("/v2/assignments/:assignment_id", counter, withTx, withCurrentUser, GetAssignment)
	r.Put("/v2/assignments/:assignment_id", counter, withTx, withCurrentUser, tutorOnly, gunzip, binding.Json(AssignmentUpdate{}), PutAssignment)
	r.Post("/v2/assignments/:assignment_id/notebook", counter, withTx, withCurrentUser, tutorOnly, PostAssignmentNotebook)
	r.Get("/v2/assignments/:assignment_id/notebook", counter, withTx, withCurrentUser, GetAssignmentNotebook)
	r.Get("/v2/assignments/:assignment_id/stats", counter, withTx, withCurrentUser, tutorOnly, GetAssignmentStats)
	r.Delete("/v2/assignments/:assignment_id", counter, withTx, withCurrentUser, tutorOnly, DeleteAssignment)

	// submissions
	// these run kernel containers, so they manage their own transactions
	r.Post("/v2/assignments/:assignment_id/submissions", counter, auth, PostSubmission)
	r.Post("/v2/submissions/:submission_id/evaluate", counter, auth, PostSubmissionEvaluate)
	r.Get("/v2/submissions", counter, withTx, withCurrentUser, GetSubmissions)
	r.Get("/v2/submissions/:submission_id", counter, withTx, withCurrentUser, GetSubmission)
	r.Get("/v2/submissions/:submission_id/notebook", counter, withTx, withCurrentUser, GetSubmissionNotebook)
	r.Delete("/v2/submissions/:submission_id", counter, withTx, withCurrentUser, DeleteSubmission)

	// live evaluation
	r.Get("/v2/sockets/submissions/:submission_id/evaluate", SocketSubmissionEvaluate)

	// html pages
	r.Get("/", counter, withTx, withCurrentUser, HomePage)
	r.Get("/assignments/:assignment_id", counter, withTx, withCurrentUser, AssignmentPage)
	r.Get("/submissions/:submission_id/feedback", counter, withTx, withCurrentUser, FeedbackPage)

	// note: this will work behind a TLS proxy or for debugging with some calls
	log.Printf("accepting http connections on %s", port)
	if err := http.ListenAndServe(port, m); err != nil {
		log.Fatalf("ListenAndServe: %v", err)
	}
}

func setupDB(path string) *sql.DB {
	meddler.Default = meddler.SQLite

	options :=
		"?" + "mode=rwc" +
			"&" + "_busy_timeout=10000" +
			"&" + "_cache_size=-20000" +
			"&" + "_foreign_keys=ON" +
			"&" + "_journal_mode=WAL" +
			"&" + "_synchronous=NORMAL" +
			"&" + "_temp_store=MEMORY"
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Fatalf("error creating database directory: %v", err)
	}
	db, err := sql.Open("sqlite3", path+options)
	if err != nil {
		log.Fatalf("error opening database: %v", err)
	}
	if _, err := db.Exec(schema); err != nil {
		log.Fatalf("error applying database schema: %v", err)
	}

	return db
}

func addWhereEq(where string, args []interface{}, label string, value interface{}) (string, []interface{}) {
	if where == "" {
		where = " WHERE"
	} else {
		where += " AND"
	}
	args = append(args, value)
	where += fmt.Sprintf(" %s = ?", label)
	return where, args
}

func addWhereLike(where string, args []interface{}, label string, value string) (string, []interface{}) {
	if where == "" {
		where = " WHERE"
	} else {
		where += " AND"
	}
	args = append(args, "%"+strings.ToLower(value)+"%")

	// sqlite is set to use case insensitive LIKEs
	where += fmt.Sprintf(" %s LIKE ?", label)
	return where, args
}

func loggedHTTPDBNotFoundError(w http.ResponseWriter, err error) {
	msg := "not found"
	status := http.StatusNotFound
	if err != sql.ErrNoRows {
		msg = fmt.Sprintf("db error: %v", err)
		status = http.StatusInternalServerError
	}
	log.Print(logPrefix() + msg)
	http.Error(w, msg, status)
}

func loggedHTTPErrorf(w http.ResponseWriter, status int, format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	log.Print(logPrefix() + msg)
	http.Error(w, msg, status)
	return fmt.Errorf("%s", msg)
}

func loggedErrorf(f string, params ...interface{}) error {
	log.Print(logPrefix() + fmt.Sprintf(f, params...))
	return fmt.Errorf(f, params...)
}

func parseID(w http.ResponseWriter, name, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, loggedHTTPErrorf(w, http.StatusBadRequest, "error parsing %s from URL: %v", name, err)
	}
	if id < 1 {
		return 0, loggedHTTPErrorf(w, http.StatusBadRequest, "invalid ID in URL: %s must be 1 or greater", name)
	}

	return id, nil
}

func logPrefix() string {
	prefix := ""
	if _, file, line, ok := runtime.Caller(2); ok {
		if slash := strings.LastIndex(file, "/"); slash >= 0 {
			file = file[slash+1:]
		}
		prefix = fmt.Sprintf("%s:%d: ", file, line)
	}
	return prefix
}

func unBase64(s string) string {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return string(raw)
	}
	return s
}

var (
	hits                  int
	hitsCounter           = expvar.NewInt("hits")
	slowest               float64
	slowestCounter        = expvar.NewFloat("slowestSeconds")
	slowestPathCounter    = expvar.NewString("slowestPath")
	slowestTimeCounter    = expvar.NewString("slowestTime")
	totalSeconds          float64
	totalSecondsCounter   = expvar.NewFloat("totalSeconds")
	averageSecondsCounter = expvar.NewFloat("averageSeconds")
	errorsCounter         = expvar.NewInt("errors")
	goroutineCounter      = expvar.NewInt("goroutines")
)
