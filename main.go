package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"geomatch/internal/excel"
	"geomatch/internal/geodata"
	"geomatch/internal/logger"
	"geomatch/internal/matcher"
	"geomatch/internal/models"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/paulmach/orb"
)

// === Job System ===

type JobStatus string

const (
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusError   JobStatus = "error"
)

type JobResult struct {
	Queries    int    `json:"queries"`
	Candidates int    `json:"candidates"`
	Failed     int    `json:"failed"`
	Sheet      string `json:"sheet"`
	Output     string `json:"output"`   // Full path
	Filename   string `json:"filename"` // Just filename for download
}

type Job struct {
	ID        string
	Status    JobStatus
	Logs      []string
	Progress  int // 0-100
	Result    *JobResult
	Error     string
	Mutex     sync.RWMutex
	CreatedAt time.Time
}

var (
	JobStore = make(map[string]*Job)
	JobLock  sync.RWMutex
)

func NewJob() *Job {
	return &Job{
		ID:        uuid.New().String(),
		Status:    StatusRunning,
		Logs:      []string{},
		CreatedAt: time.Now(),
	}
}

func (j *Job) Log(msg string) {
	j.Mutex.Lock()
	defer j.Mutex.Unlock()
	ts := time.Now().Format("15:04:05")
	j.Logs = append(j.Logs, fmt.Sprintf("[%s] %s", ts, msg))
}

func (j *Job) SetProgress(current, total int, msg string) {
	j.Mutex.Lock()
	defer j.Mutex.Unlock()
	if total > 0 {
		j.Progress = int(float64(current) / float64(total) * 100)
	}
	if msg != "" {
		ts := time.Now().Format("15:04:05")
		j.Logs = append(j.Logs, fmt.Sprintf("[%s] %s", ts, msg))
	}
}

func GetJob(id string) *Job {
	JobLock.RLock()
	defer JobLock.RUnlock()
	return JobStore[id]
}

// === Main ===

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load(".env")
	l := logger.Setup()

	loginUser := envOr("APP_USER", "user")
	loginPass := envOr("APP_PASS", "changeme")
	secret := envOr("SESSION_SECRET", "geomatch-session-secret")

	gin.SetMode(gin.ReleaseMode)

	r := gin.Default()

	// Setup Sessions
	store := cookie.NewStore([]byte(secret))
	r.Use(sessions.Sessions("geomatch", store))

	// Load Templates
	r.LoadHTMLGlob("templates/*")

	// Auth Middleware
	authRequired := func(c *gin.Context) {
		session := sessions.Default(c)
		user := session.Get("user")
		if user == nil {
			c.Redirect(http.StatusFound, "/login")
			c.Abort()
			return
		}
		c.Next()
	}

	// Routes
	r.GET("/login", func(c *gin.Context) {
		c.HTML(http.StatusOK, "login.html", gin.H{})
	})

	r.POST("/login", func(c *gin.Context) {
		username := c.PostForm("username")
		password := c.PostForm("password")

		if username == loginUser && password == loginPass {
			session := sessions.Default(c)
			session.Set("user", username)
			session.Save()
			c.Redirect(http.StatusFound, "/")
		} else {
			c.HTML(http.StatusOK, "login.html", gin.H{
				"Error": "Invalid username or password",
			})
		}
	})

	r.GET("/logout", func(c *gin.Context) {
		session := sessions.Default(c)
		session.Clear()
		session.Save()
		c.Redirect(http.StatusFound, "/login")
	})

	// Protected Routes
	authorized := r.Group("/")
	authorized.Use(authRequired)
	{
		authorized.GET("/", func(c *gin.Context) {
			c.HTML(http.StatusOK, "index.html", gin.H{})
		})

		authorized.POST("/run", func(c *gin.Context) {
			candFile, err := c.FormFile("candidates_file")
			if err != nil {
				c.HTML(http.StatusOK, "index.html", gin.H{"Message": "Please select a candidates file."})
				return
			}
			queryFile, err := c.FormFile("queries_file")
			if err != nil {
				c.HTML(http.StatusOK, "index.html", gin.H{"Message": "Please select a queries file."})
				return
			}

			attrKey := c.DefaultPostForm("attr", "id")
			nameKey := c.DefaultPostForm("name", "name")

			os.MkdirAll("uploads", 0755)
			os.MkdirAll("output", 0755)

			candPath := filepath.Join("uploads", fmt.Sprintf("%s_%s", uuid.New().String(), candFile.Filename))
			if err := c.SaveUploadedFile(candFile, candPath); err != nil {
				c.HTML(http.StatusOK, "index.html", gin.H{"Message": "Could not save candidates file."})
				return
			}
			queryPath := filepath.Join("uploads", fmt.Sprintf("%s_%s", uuid.New().String(), queryFile.Filename))
			if err := c.SaveUploadedFile(queryFile, queryPath); err != nil {
				c.HTML(http.StatusOK, "index.html", gin.H{"Message": "Could not save queries file."})
				return
			}

			// Create Job
			job := NewJob()
			JobLock.Lock()
			JobStore[job.ID] = job
			JobLock.Unlock()

			l.Info("job_start", "id", job.ID, "candidates", candFile.Filename, "queries", queryFile.Filename)

			// Start Processing in Goroutine
			go processJob(job, candPath, queryPath, attrKey, nameKey)

			c.HTML(http.StatusOK, "index.html", gin.H{
				"JobID":   job.ID,
				"Message": "Matching started...",
			})
		})

		authorized.GET("/logs", func(c *gin.Context) {
			jobID := c.Query("job_id")
			job := GetJob(jobID)
			if job == nil {
				c.JSON(http.StatusOK, gin.H{"ok": false, "error": "Job not found"})
				return
			}

			job.Mutex.RLock()
			logs := make([]string, len(job.Logs))
			copy(logs, job.Logs)
			status := job.Status
			progress := job.Progress
			job.Mutex.RUnlock()

			c.JSON(http.StatusOK, gin.H{
				"ok":       true,
				"logs":     logs,
				"status":   status,
				"progress": progress,
			})
		})

		authorized.GET("/status", func(c *gin.Context) {
			jobID := c.Query("job_id")
			job := GetJob(jobID)
			if job == nil {
				c.JSON(http.StatusOK, gin.H{"ok": false})
				return
			}
			job.Mutex.RLock()
			defer job.Mutex.RUnlock()

			res := gin.H{
				"ok":     true,
				"status": job.Status,
				"error":  job.Error,
			}
			if job.Result != nil {
				res["result"] = job.Result
			}
			c.JSON(http.StatusOK, res)
		})

		authorized.GET("/download-result/:filename", func(c *gin.Context) {
			filename := c.Param("filename")
			target := filepath.Join("output", filename)
			c.File(target)
		})
	}

	port := envOr("PORT", "9595")
	l.Info("server_start", "port", port)
	if err := r.Run(":" + port); err != nil {
		l.Error("server_error", "err", err)
		os.Exit(1)
	}
}

// loadCandidates reads the candidate dataset by extension: GeoJSON point
// features (attribute from attrKey) or the spreadsheet layout (attribute
// is the id column).
func loadCandidates(path, attrKey string) ([]orb.Point, []any, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		fc, err := geodata.ReadFeatureCollection(path)
		if err != nil {
			return nil, nil, err
		}
		return geodata.Points(fc, attrKey)
	case ".xlsx":
		f, err := excel.OpenFile(path)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		records, err := excel.ReadSheet(f, "Candidates")
		if err != nil {
			return nil, nil, err
		}
		pts := make([]orb.Point, len(records))
		attrs := make([]any, len(records))
		for i, rec := range records {
			pts[i] = rec.Loc.Point()
			attrs[i] = rec.ID
		}
		return pts, attrs, nil
	default:
		return nil, nil, fmt.Errorf("unsupported candidates format: %s", filepath.Ext(path))
	}
}

// loadQueries reads the query dataset: GeoJSON points pass through and
// polygons contribute centroids; spreadsheets use the Queries sheet.
func loadQueries(path, nameKey string) ([]orb.Point, []string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		fc, err := geodata.ReadFeatureCollection(path)
		if err != nil {
			return nil, nil, err
		}
		pts, names := geodata.QueryPoints(fc, nameKey)
		return pts, names, nil
	case ".xlsx":
		f, err := excel.OpenFile(path)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		records, err := excel.ReadSheet(f, "Queries")
		if err != nil {
			return nil, nil, err
		}
		pts := make([]orb.Point, len(records))
		names := make([]string, len(records))
		for i, rec := range records {
			pts[i] = rec.Loc.Point()
			names[i] = rec.Name
		}
		return pts, names, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queries format: %s", filepath.Ext(path))
	}
}

func processJob(job *Job, candPath, queryPath, attrKey, nameKey string) {
	defer func() {
		if r := recover(); r != nil {
			job.Mutex.Lock()
			job.Status = StatusError
			job.Error = fmt.Sprintf("Panic: %v", r)
			job.Mutex.Unlock()
		}
	}()

	job.Log(fmt.Sprintf("Loading candidates: %s", filepath.Base(candPath)))
	candPts, candAttrs, err := loadCandidates(candPath, attrKey)
	if err != nil {
		failJob(job, fmt.Sprintf("Candidates load error: %v", err))
		return
	}
	job.Log(fmt.Sprintf("%d candidate points loaded.", len(candPts)))

	cs, err := matcher.BuildCandidateSet(candPts, candAttrs)
	if err != nil {
		failJob(job, fmt.Sprintf("Candidate set error: %v", err))
		return
	}

	job.Log(fmt.Sprintf("Loading queries: %s", filepath.Base(queryPath)))
	queries, names, err := loadQueries(queryPath, nameKey)
	if err != nil {
		failJob(job, fmt.Sprintf("Queries load error: %v", err))
		return
	}
	job.Log(fmt.Sprintf("%d query points loaded.", len(queries)))

	progressCb := func(current, total int, msg string) {
		job.SetProgress(current, total, msg)
	}
	loggerCb := func(msg string) {
		job.Log(msg)
	}

	start := time.Now()
	results := cs.FindNearestBatch(queries, progressCb, loggerCb)
	job.Log(fmt.Sprintf("Matching finished. Took: %s", time.Since(start)))

	rows := make([]models.ResultRow, len(results))
	failed := 0
	for i, br := range results {
		row := models.ResultRow{
			QueryName: names[i],
			QueryLat:  queries[i][1],
			QueryLon:  queries[i][0],
		}
		switch {
		case br.Err != nil:
			row.Err = br.Err.Error()
			failed++
		case br.Match != nil:
			row.NearestAttr = fmt.Sprint(br.Match.Attr)
			row.NearestLat = br.Match.Point[1]
			row.NearestLon = br.Match.Point[0]
			row.Distance = br.Match.Distance
		}
		rows[i] = row
	}
	if failed > 0 {
		job.Log(fmt.Sprintf("%d queries failed row-level validation.", failed))
	}

	outputPath := filepath.Join("output", fmt.Sprintf("nearest_%s.xlsx", job.ID))
	job.Log("Writing result file...")
	if err := excel.WriteResult(outputPath, rows, "Results"); err != nil {
		failJob(job, fmt.Sprintf("Write error: %v", err))
		return
	}

	job.Mutex.Lock()
	job.Status = StatusDone
	job.Result = &JobResult{
		Queries:    len(queries),
		Candidates: cs.Len(),
		Failed:     failed,
		Sheet:      "Results",
		Output:     outputPath,
		Filename:   filepath.Base(outputPath),
	}
	job.Progress = 100
	job.Mutex.Unlock()
	job.Log("Job completed successfully.")
}

func failJob(job *Job, msg string) {
	job.Mutex.Lock()
	job.Status = StatusError
	job.Error = msg
	job.Logs = append(job.Logs, "[ERROR] "+msg)
	job.Mutex.Unlock()
}
