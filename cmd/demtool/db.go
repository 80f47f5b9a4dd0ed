package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite index path (default: <data>/index.db)")
	limit := fs.Int("limit", 20, "result limit")
	kind := fs.String("kind", "", "event kind filter (events query)")
	tileArg := fs.String("tile", "", "tile filter ix,iy (tiles query)")
	_ = fs.Parse(args)

	q := "reconciles"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index.db")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}

	switch q {
	case "reconciles":
		rows, err := db.Query(`SELECT tick,generation,x,y,built,evicted,contended,cache_len,step_us,digest FROM reconciles ORDER BY tick DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick       int64   `json:"tick"`
				Generation int64   `json:"generation"`
				X          float64 `json:"x"`
				Y          float64 `json:"y"`
				Built      int     `json:"built"`
				Evicted    int     `json:"evicted"`
				Contended  int     `json:"contended"`
				CacheLen   int     `json:"cache_len"`
				StepUS     int64   `json:"step_us"`
				Digest     string  `json:"digest"`
			}
			if err := rows.Scan(&r.Tick, &r.Generation, &r.X, &r.Y, &r.Built, &r.Evicted, &r.Contended, &r.CacheLen, &r.StepUS, &r.Digest); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "tiles":
		query := `SELECT tick,seq,kind,ix,iy,handle,reason FROM tiles ORDER BY tick DESC, seq ASC LIMIT ?`
		qargs := []any{*limit}
		if strings.TrimSpace(*tileArg) != "" {
			ix, iy, err := parseTile(*tileArg)
			if err != nil {
				fmt.Fprintln(os.Stderr, "bad -tile:", err)
				os.Exit(2)
			}
			query = `SELECT tick,seq,kind,ix,iy,handle,reason FROM tiles WHERE ix=? AND iy=? ORDER BY tick DESC, seq ASC LIMIT ?`
			qargs = []any{ix, iy, *limit}
		}
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick   int64  `json:"tick"`
				Seq    int    `json:"seq"`
				Kind   string `json:"kind"`
				IX     int    `json:"ix"`
				IY     int    `json:"iy"`
				Handle int64  `json:"handle"`
				Reason string `json:"reason,omitempty"`
			}
			if err := rows.Scan(&r.Tick, &r.Seq, &r.Kind, &r.IX, &r.IY, &r.Handle, &r.Reason); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "events":
		query := `SELECT tick,seq,kind,session,terrain,generation,detail FROM events ORDER BY tick DESC, seq ASC LIMIT ?`
		qargs := []any{*limit}
		if strings.TrimSpace(*kind) != "" {
			query = `SELECT tick,seq,kind,session,terrain,generation,detail FROM events WHERE kind=? ORDER BY tick DESC, seq ASC LIMIT ?`
			qargs = []any{strings.TrimSpace(*kind), *limit}
		}
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick       int64  `json:"tick"`
				Seq        int    `json:"seq"`
				Kind       string `json:"kind"`
				Session    string `json:"session,omitempty"`
				Terrain    string `json:"terrain,omitempty"`
				Generation int64  `json:"generation"`
				Detail     string `json:"detail,omitempty"`
			}
			if err := rows.Scan(&r.Tick, &r.Seq, &r.Kind, &r.Session, &r.Terrain, &r.Generation, &r.Detail); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "config":
		rows, err := db.Query(`SELECT name,digest,json,updated_at FROM config ORDER BY name`)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Name       string `json:"name"`
				Digest     string `json:"digest"`
				ConfigJSON string `json:"json"`
				UpdatedAt  string `json:"updated_at"`
			}
			if err := rows.Scan(&r.Name, &r.Digest, &r.ConfigJSON, &r.UpdatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: demtool events [-data ./data|-db PATH] [-limit N] reconciles|tiles|events|config")
		os.Exit(2)
	}
}

func parseTile(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%q: expected ix,iy", s)
	}
	ix, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	iy, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return ix, iy, nil
}
