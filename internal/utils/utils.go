package utils

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/vitebski/pipeline-populator/pkg/models"
)

// secretVars are masked when the environment is logged
var secretVars = map[string]bool{
	"MYSQL_PASSWORD": true,
	"REDIS_PASSWORD": true,
}

// SetupLogging configures the logging system
func SetupLogging(logLevel string) *logrus.Logger {
	// Create a new logger
	logger := logrus.New()

	// Get log level from environment variable or parameter
	levelStr := logLevel
	if levelStr == "" {
		levelStr = os.Getenv("PIPELINE_LOG_LEVEL")
		if levelStr == "" {
			levelStr = "info"
		}
	}

	// Parse log level
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}

	// Configure logger
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetOutput(os.Stdout)

	logger.Debugf("Logging configured with level: %s", level)
	return logger
}

// LoadEnvironmentVariables loads environment variables from .env file and
// reports whether the connection variables are all present
func LoadEnvironmentVariables(envFile string, logger *logrus.Logger) bool {
	// Check if a sample .env file exists but not the actual .env file
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		sampleEnvFile := envFile + ".sample"
		if _, err := os.Stat(sampleEnvFile); err == nil {
			logger.Infof("No %s file found, but %s exists. Consider copying %s to %s and updating it.",
				envFile, sampleEnvFile, sampleEnvFile, envFile)
		}
	}

	// Load environment variables from .env file if it exists
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.Warningf("Error loading %s file: %v", envFile, err)
		} else {
			logger.Debugf("Loaded environment variables from %s", envFile)
		}
	} else {
		logger.Debugf("No %s file found, using existing environment variables", envFile)
	}

	// Check for required environment variables
	requiredVars := []string{"MYSQL_HOST", "MYSQL_USER", "MYSQL_DATABASE"}
	var missingVars []string
	for _, v := range requiredVars {
		if os.Getenv(v) == "" {
			missingVars = append(missingVars, v)
		}
	}

	// Log the pipeline environment variables (for debugging)
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		for _, env := range os.Environ() {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) != 2 {
				continue
			}
			if !strings.HasPrefix(parts[0], "MYSQL_") && !strings.HasPrefix(parts[0], "PIPELINE_") && !strings.HasPrefix(parts[0], "REDIS_") {
				continue
			}
			if secretVars[parts[0]] {
				// Mask secrets
				logger.Debugf("%s=********", parts[0])
			} else {
				logger.Debugf("%s=%s", parts[0], parts[1])
			}
		}
	}

	if len(missingVars) > 0 {
		logger.Debugf("Environment does not set: %s", strings.Join(missingVars, ", "))
		return false
	}
	return true
}

// GetEnvInt gets an integer value from environment variable
func GetEnvInt(varName string, defaultValue int) int {
	value := os.Getenv(varName)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// ValidateConnectionParams validates database connection parameters
func ValidateConnectionParams(host, user, password, database, port string, logger *logrus.Logger) bool {
	if host == "" {
		logger.Error("Database host is required")
		return false
	}

	if user == "" {
		logger.Error("Database user is required")
		return false
	}

	if password == "" { // Empty password is allowed
		logger.Warning("Database password is empty")
	}

	if database == "" {
		logger.Error("Database name is required")
		return false
	}

	if _, err := strconv.Atoi(port); err != nil {
		logger.Errorf("Invalid port number: %s", port)
		return false
	}

	return true
}

func banner(w io.Writer, title string, width int) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", width))
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, strings.Repeat("=", width))
}

// PrintSeedSummary prints a summary of the seeding process
func PrintSeedSummary(w io.Writer, tables []string, inserted map[string]int64, failed map[string]string) {
	var total int64
	for _, n := range inserted {
		total += n
	}

	banner(w, "SEED SUMMARY", 50)
	fmt.Fprintf(w, "Total tables processed: %d\n", len(tables))
	fmt.Fprintf(w, "Successfully seeded tables: %d\n", len(tables)-len(failed))
	fmt.Fprintf(w, "Failed tables: %d\n", len(failed))
	fmt.Fprintf(w, "Total records inserted: %d\n", total)

	if len(tables) > 0 {
		fmt.Fprintln(w, "\nRecords per table:")
		for _, table := range tables {
			if reason, ok := failed[table]; ok {
				fmt.Fprintf(w, "  - %s: failed (%s)\n", table, reason)
				continue
			}
			fmt.Fprintf(w, "  - %s: %d\n", table, inserted[table])
		}
	}

	fmt.Fprintln(w, strings.Repeat("=", 50))
}

// PrintVerificationResults prints the tables that hold fewer than minRecords rows
func PrintVerificationResults(w io.Writer, short map[string]int64, minRecords int) {
	banner(w, "TABLE POPULATION VERIFICATION RESULTS", 50)

	if len(short) == 0 {
		fmt.Fprintf(w, "✅ All tables have at least %d record(s)\n", minRecords)
		fmt.Fprintln(w, strings.Repeat("=", 50))
		return
	}

	fmt.Fprintf(w, "❌ %d tables have fewer than %d record(s):\n", len(short), minRecords)
	for _, table := range sortedKeys(short) {
		fmt.Fprintf(w, "  - %s: %d/%d records\n", table, short[table], minRecords)
	}
	fmt.Fprintln(w, strings.Repeat("=", 50))
}

// PrintPopulationSummary prints the outcome of one population run
func PrintPopulationSummary(w io.Writer, result *models.PopulationResult) {
	banner(w, "POPULATION SUMMARY: "+result.Table, 50)
	fmt.Fprintf(w, "Keys to compute: %d\n", result.Candidates)
	fmt.Fprintf(w, "Completed: %d\n", result.Completed)
	fmt.Fprintf(w, "Dispatched: %d\n", result.Dispatched)
	fmt.Fprintf(w, "Skipped (reserved elsewhere): %d\n", result.Skipped)
	fmt.Fprintf(w, "Failed: %d\n", result.Failures())

	if result.Failures() > 0 {
		fmt.Fprintln(w, "\nFailed keys:")
		keys := make([]string, 0, len(result.Failed))
		for key := range result.Failed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(w, "  - %s: %s\n", key, result.Failed[key])
		}
	}
	fmt.Fprintln(w, strings.Repeat("=", 50))
}

// PrintJobs prints job table rows grouped by status
func PrintJobs(w io.Writer, records []models.JobRecord) {
	banner(w, "JOBS", 80)
	if len(records) == 0 {
		fmt.Fprintln(w, "No jobs")
		fmt.Fprintln(w, strings.Repeat("=", 80))
		return
	}

	counts := make(map[string]int64)
	for _, rec := range records {
		counts[string(rec.Status)]++
	}
	for _, status := range sortedKeys(counts) {
		fmt.Fprintf(w, "%s: %d\n", status, counts[status])
	}
	fmt.Fprintln(w)
	for _, rec := range records {
		fmt.Fprintf(w, "%-24s %s %-8s %s:%d %s",
			rec.TableName, rec.KeyHash, rec.Status, rec.Host, rec.PID, rec.Timestamp.Format("2006-01-02 15:04:05"))
		if rec.ErrorMessage != "" {
			fmt.Fprintf(w, "\n    %s", rec.ErrorMessage)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

// PrintCacheRequests prints cache request accounting and the share of fulfilled clients
func PrintCacheRequests(w io.Writer, requests []models.CacheRequest) {
	banner(w, "CACHE REQUESTS", 80)
	if len(requests) == 0 {
		fmt.Fprintln(w, "No cache requests")
		fmt.Fprintln(w, strings.Repeat("=", 80))
		return
	}

	var clients, fulfilled, size int64
	for _, req := range requests {
		fmt.Fprintf(w, "%s %-8s %-40s %12d bytes  %d/%d fulfilled\n",
			req.RequestHash, req.DiskLabel, req.RequestPath, req.RequestSize, req.FulfilledRequests, req.NbClients)
		clients += req.NbClients
		fulfilled += req.FulfilledRequests
		size += req.RequestSize
	}

	ratio := 0.0
	if clients > 0 {
		ratio = float64(fulfilled) / float64(clients) * 100
	}
	fmt.Fprintf(w, "\nRequests: %d  Total size: %d bytes  Clients: %d  Fulfilled: %d (%.1f%%)\n",
		len(requests), size, clients, fulfilled, ratio)
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
