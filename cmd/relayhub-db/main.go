// relayhub-db
// Command-line access to the relayhub database
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/relayhub/relayhub/internal/storage"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "relayhub-db",
		Short: "relayhub database CLI",
		Long:  "Command-line tool for inspecting and maintaining the relayhub database.",
	}

	accountsCmd = &cobra.Command{
		Use:   "accounts",
		Short: "List accounts",
		RunE:  listAccounts,
	}

	relaysCmd = &cobra.Command{
		Use:   "relays [username]",
		Short: "Show dashboard relays",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showRelays,
	}

	schedulesCmd = &cobra.Command{
		Use:   "schedules",
		Short: "Show relay schedules",
		RunE:  showSchedules,
	}

	statusCmd = &cobra.Command{
		Use:   "status [device-id]",
		Short: "Show device status history",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showStatus,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	purgeCmd = &cobra.Command{
		Use:   "purge-status",
		Short: "Delete device status records older than a cutoff",
		RunE:  purgeStatus,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit     int
	olderThan time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/relayhub/relayhub.db", "Database file path")

	statusCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	purgeCmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "Delete records older than this")

	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(relaysCmd)
	rootCmd.AddCommand(schedulesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	return sql.Open("sqlite3", dbPath+"?mode=ro")
}

func listAccounts(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT a.id, a.username, a.device_id, a.created_at,
			(SELECT COUNT(*) FROM relays r WHERE r.account_id = a.id)
		FROM accounts a ORDER BY a.id
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tDEVICE\tCREATED\tRELAYS")
	fmt.Fprintln(w, "--\t--------\t------\t-------\t------")

	for rows.Next() {
		var id int64
		var username, deviceID string
		var createdAt time.Time
		var relays int
		if err := rows.Scan(&id, &username, &deviceID, &createdAt, &relays); err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n",
			id, username, deviceID, createdAt.Local().Format("2006-01-02 15:04"), relays)
	}
	w.Flush()
	return rows.Err()
}

func showRelays(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := `
		SELECT a.username, a.device_id, r.channel, r.name, r.enabled,
			(SELECT COUNT(*) FROM schedules s WHERE s.relay_id = r.id)
		FROM relays r JOIN accounts a ON a.id = r.account_id
	`
	var queryArgs []interface{}
	if len(args) > 0 {
		query += " WHERE a.username = ? COLLATE NOCASE"
		queryArgs = append(queryArgs, args[0])
	}
	query += " ORDER BY a.username, r.channel"

	rows, err := db.Query(query, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tDEVICE\tCH\tNAME\tENABLED\tSCHEDULES")
	fmt.Fprintln(w, "--------\t------\t--\t----\t-------\t---------")

	for rows.Next() {
		var username, deviceID, name string
		var channel, schedules int
		var enabled bool
		if err := rows.Scan(&username, &deviceID, &channel, &name, &enabled, &schedules); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\n",
			username, deviceID, channel, name, yesNo(enabled), schedules)
	}
	w.Flush()
	return rows.Err()
}

func showSchedules(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT a.device_id, r.channel, s.uid, s.days, s.start_time, s.end_time, s.enabled, r.enabled
		FROM schedules s
		JOIN relays r ON r.id = s.relay_id
		JOIN accounts a ON a.id = r.account_id
		ORDER BY a.device_id, r.channel, s.id
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tCH\tID\tDAYS\tSTART\tEND\tENABLED")
	fmt.Fprintln(w, "------\t--\t--\t----\t-----\t---\t-------")

	for rows.Next() {
		var deviceID, uid, days, start, end string
		var channel int
		var enabled, relayEnabled bool
		if err := rows.Scan(&deviceID, &channel, &uid, &days, &start, &end, &enabled, &relayEnabled); err != nil {
			return err
		}
		state := yesNo(enabled)
		if enabled && !relayEnabled {
			state = "Y (relay off)"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			deviceID, channel, shortID(uid), daysString(days), start, end, state)
	}
	w.Flush()
	return rows.Err()
}

func showStatus(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := `
		SELECT d.device_id, d.ip, d.rssi, d.uptime, d.timestamp,
			(SELECT COUNT(*) FROM device_status_relays r WHERE r.status_id = d.id AND r.state = 1)
		FROM device_status d
	`
	var queryArgs []interface{}
	if len(args) > 0 {
		query += " WHERE d.device_id = ?"
		queryArgs = append(queryArgs, args[0])
	}
	query += " ORDER BY d.timestamp DESC LIMIT ?"
	queryArgs = append(queryArgs, limit)

	rows, err := db.Query(query, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tIP\tRSSI\tUPTIME\tRELAYS ON\tTIME")
	fmt.Fprintln(w, "------\t--\t----\t------\t---------\t----")

	for rows.Next() {
		var deviceID string
		var ip sql.NullString
		var rssi, uptime sql.NullInt64
		var timestamp time.Time
		var on int
		if err := rows.Scan(&deviceID, &ip, &rssi, &uptime, &timestamp, &on); err != nil {
			return err
		}

		ipStr := "-"
		if ip.Valid && ip.String != "" {
			ipStr = ip.String
		}
		rssiStr := "-"
		if rssi.Valid {
			rssiStr = fmt.Sprintf("%ddBm", rssi.Int64)
		}
		uptimeStr := "-"
		if uptime.Valid {
			uptimeStr = (time.Duration(uptime.Int64) * time.Second).String()
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			deviceID, ipStr, rssiStr, uptimeStr, on, timestamp.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	return rows.Err()
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("=== relayhub Database Statistics ===")
	fmt.Println()

	var accountCount int
	db.QueryRow("SELECT COUNT(*) FROM accounts").Scan(&accountCount)
	fmt.Printf("Accounts: %d\n", accountCount)

	var relayCount, disabledRelays int
	db.QueryRow("SELECT COUNT(*) FROM relays").Scan(&relayCount)
	db.QueryRow("SELECT COUNT(*) FROM relays WHERE enabled = 0").Scan(&disabledRelays)
	fmt.Printf("Relays: %d (disabled: %d)\n", relayCount, disabledRelays)

	var scheduleCount, disabledSchedules int
	db.QueryRow("SELECT COUNT(*) FROM schedules").Scan(&scheduleCount)
	db.QueryRow("SELECT COUNT(*) FROM schedules WHERE enabled = 0").Scan(&disabledSchedules)
	fmt.Printf("Schedules: %d (disabled: %d)\n", scheduleCount, disabledSchedules)

	var statusCount, reportingDevices int
	db.QueryRow("SELECT COUNT(*) FROM device_status").Scan(&statusCount)
	db.QueryRow("SELECT COUNT(DISTINCT device_id) FROM device_status").Scan(&reportingDevices)
	fmt.Printf("Status records: %d (devices: %d)\n", statusCount, reportingDevices)

	var oldest, newest sql.NullString
	db.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM device_status").Scan(&oldest, &newest)
	if oldest.Valid {
		fmt.Printf("Status range: %s .. %s\n", oldest.String, newest.String)
	}

	return nil
}

func purgeStatus(cmd *cobra.Command, args []string) error {
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	db, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	cutoff := time.Now().Add(-olderThan)
	deleted, err := db.PurgeDeviceStatus(cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d status records older than %s\n", deleted, cutoff.Format(time.RFC3339))
	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// Only allow SELECT queries for safety
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return rows.Err()
}

var dayNames = []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// daysString renders the stored comma-separated weekday list
func daysString(days string) string {
	if days == "" {
		return "-"
	}
	var out []string
	for _, d := range strings.Split(days, ",") {
		if n, err := strconv.Atoi(d); err == nil && n >= 0 && n < len(dayNames) {
			out = append(out, dayNames[n])
		} else {
			out = append(out, d)
		}
	}
	return strings.Join(out, ",")
}

// shortID abbreviates a schedule id for table output
func shortID(uid string) string {
	if len(uid) > 8 {
		return uid[:8]
	}
	return uid
}

func yesNo(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}
