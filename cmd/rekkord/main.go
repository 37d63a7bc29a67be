// Command rekkord is a thin CLI edge over the save/restore/verify
// pipelines: argument parsing, keyfile loading and plain log.Printf
// diagnostics live here; none of it is reused by the library packages
// (spec.md §1, §6 - the CLI itself is an external collaborator).
package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"rekkord/backup"
	"rekkord/keyset"
	"rekkord/oid"
	"rekkord/repository"
	"rekkord/restore"
	"rekkord/statcache"
	"rekkord/store"
	"rekkord/verify"
)

// session holds the store/repository/cache a command's Action needs,
// assembled once in Before and torn down in After.
type session struct {
	st    *store.Local
	repo  *repository.Repository
	cache *statcache.Cache
}

var current session

func main() {
	app := &cli.App{
		Name:  "rekkord",
		Usage: "content-addressed, deduplicating, encrypted backup engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "repo",
				Aliases:  []string{"R"},
				Usage:    "path to the local object store directory",
				Required: true,
				EnvVars:  []string{"REKKORD_REPO"},
			},
			&cli.StringFlag{
				Name:    "keyfile",
				Aliases: []string{"k"},
				Usage:   "path to a PEM key file (not needed for init)",
				EnvVars: []string{"REKKORD_KEYFILE"},
			},
			&cli.StringFlag{
				Name:    "vkey",
				Usage:   "hex-encoded repository verify key (only needed for role key files)",
				EnvVars: []string{"REKKORD_VKEY"},
			},
			&cli.StringFlag{
				Name:  "cache",
				Usage: "path to the local stat/blob/checks cache database",
			},
			&cli.IntFlag{
				Name:  "threads",
				Usage: "bounds concurrent blob reads/writes",
				Value: 4,
			},
			&cli.Int64Flag{
				Name:  "retain-ms",
				Usage: "object-lock retention hint attached to every write_blob call",
			},
			&cli.IntFlag{
				Name:  "compression-level",
				Usage: "LZ4 compression level applied to blob plaintext before sealing",
			},
		},
		Before: beforeCommand,
		After:  afterCommand,
		Commands: []*cli.Command{
			initCommand,
			saveCommand,
			restoreCommand,
			verifyCommand,
			tagsCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func beforeCommand(c *cli.Context) error {
	st, err := store.NewLocal(c.String("repo"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	current.st = st

	if c.Args().First() == "" || c.Args().First() == "init" {
		return nil
	}

	opts := repository.Options{
		Threads:          c.Int("threads"),
		RetainMs:         c.Int64("retain-ms"),
		CompressionLevel: c.Int("compression-level"),
	}

	if cachePath := c.String("cache"); cachePath != "" {
		if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
		cache, err := statcache.Open(cachePath)
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		current.cache = cache
		opts.Cache = cache
	}

	keyfilePath := c.String("keyfile")
	if keyfilePath == "" {
		return nil
	}
	data, err := os.ReadFile(keyfilePath)
	if err != nil {
		return fmt.Errorf("read keyfile: %w", err)
	}

	var vkey *[32]byte
	if hexVkey := c.String("vkey"); hexVkey != "" {
		raw, err := hex.DecodeString(hexVkey)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("--vkey must be 64 hex characters")
		}
		var v [32]byte
		copy(v[:], raw)
		vkey = &v
	}

	repo, err := repository.Authenticate(c.Context, st, data, vkey, opts)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	current.repo = repo
	return nil
}

func afterCommand(c *cli.Context) error {
	if current.cache != nil {
		if err := current.cache.Commit(c.Context); err != nil {
			log.Printf("rekkord: final cache commit: %v", err)
		}
		return current.cache.Close()
	}
	return nil
}

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "provision a brand-new repository against an empty store",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "master",
			Usage: "hex-encoded 32-byte master key; a random one is generated if omitted",
		},
		&cli.StringSliceFlag{
			Name:  "export",
			Usage: "name:role key file to issue alongside the admin key (role is master, readwrite, writeonly or logonly)",
		},
		&cli.StringFlag{
			Name:     "admin-out",
			Usage:    "path to write the generated admin key file",
			Required: true,
		},
	},
	Action: func(c *cli.Context) error {
		var mkey [32]byte
		if hexMaster := c.String("master"); hexMaster != "" {
			raw, err := hex.DecodeString(hexMaster)
			if err != nil || len(raw) != 32 {
				return fmt.Errorf("--master must be 64 hex characters")
			}
			copy(mkey[:], raw)
		} else if _, err := rand.Read(mkey[:]); err != nil {
			return fmt.Errorf("generate master key: %w", err)
		}

		users, err := parseExports(c.StringSlice("export"))
		if err != nil {
			return err
		}

		repo, err := repository.Init(c.Context, current.st, mkey, users)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}

		pem := keyset.EncodePEM(mkey[:])
		if err := os.WriteFile(c.String("admin-out"), pem, 0o600); err != nil {
			return fmt.Errorf("write admin key file: %w", err)
		}

		rid := repo.RID()
		log.Printf("rekkord: initialized repository rid=%x", rid[:])
		log.Printf("rekkord: verify key (pass as --vkey to decode role key files): %s", hex.EncodeToString(repo.Keyset.VKey[:]))
		return nil
	},
}

// parseExports turns a list of "name:role" strings into the map Init
// expects, defaulting an unqualified name to readwrite.
func parseExports(specs []string) (map[string]keyset.Role, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	users := make(map[string]keyset.Role, len(specs))
	for _, spec := range specs {
		name, roleStr, found := strings.Cut(spec, ":")
		if !found {
			roleStr = "readwrite"
		}
		role, err := parseRole(roleStr)
		if err != nil {
			return nil, fmt.Errorf("--export %q: %w", spec, err)
		}
		users[name] = role
	}
	return users, nil
}

func parseRole(s string) (keyset.Role, error) {
	switch strings.ToLower(s) {
	case "master":
		return keyset.RoleMaster, nil
	case "readwrite":
		return keyset.RoleReadWrite, nil
	case "writeonly":
		return keyset.RoleWriteOnly, nil
	case "logonly":
		return keyset.RoleLogOnly, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

var saveCommand = &cli.Command{
	Name:      "save",
	Usage:     "walk one or more paths into a new snapshot, tagged under channel",
	ArgsUsage: "PATH...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "channel",
			Aliases:  []string{"c"},
			Usage:    "human-readable grouping name this snapshot is tagged under",
			Required: true,
		},
		&cli.BoolFlag{Name: "follow-symlinks"},
		&cli.BoolFlag{Name: "atime", Usage: "record access time despite the dedup churn it causes"},
		&cli.BoolFlag{Name: "xattrs"},
	},
	Action: func(c *cli.Context) error {
		if err := requireAuth(); err != nil {
			return err
		}
		paths := c.Args().Slice()
		if len(paths) == 0 {
			return errors.New("save: at least one path is required")
		}

		sp := backup.New(current.repo, current.cache, backup.Flags{
			FollowSymlinks: c.Bool("follow-symlinks"),
			NoAtime:        !c.Bool("atime"),
			Atime:          c.Bool("atime"),
			Xattrs:         c.Bool("xattrs"),
		})
		res, err := sp.Save(c.Context, c.String("channel"), paths)
		if err != nil {
			return fmt.Errorf("save: %w", err)
		}

		log.Printf("rekkord: saved %s: size=%d stored=%d added=%d", res.OID, res.Size, res.Stored, res.Added)
		return nil
	},
}

var restoreCommand = &cli.Command{
	Name:      "restore",
	Usage:     "extract a blob OID (snapshot, directory, file, chunk or link) back onto the filesystem",
	ArgsUsage: "OID DEST",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "overwrite non-empty existing destinations"},
		&cli.BoolFlag{Name: "unlink", Usage: "remove anything under DEST this restore did not write"},
		&cli.BoolFlag{Name: "chown", Usage: "apply recorded uid/gid (Unix only)"},
		&cli.BoolFlag{Name: "xattrs"},
		&cli.BoolFlag{Name: "fake", Usage: "perform every read but write nothing"},
	},
	Action: func(c *cli.Context) error {
		if err := requireAuth(); err != nil {
			return err
		}
		if c.Args().Len() != 2 {
			return errors.New("restore: expected OID and DEST arguments")
		}
		id, err := oid.Parse(c.Args().Get(0))
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		dest := c.Args().Get(1)

		rp := restore.New(current.repo, restore.Flags{
			Force:  c.Bool("force"),
			Unlink: c.Bool("unlink"),
			Chown:  c.Bool("chown"),
			Xattrs: c.Bool("xattrs"),
			Fake:   c.Bool("fake"),
		})
		res, err := rp.Restore(c.Context, id, dest)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}

		log.Printf("rekkord: restored %s: entries=%d bytes=%d", id, res.EntriesRestored, res.BytesWritten)
		return nil
	},
}

var verifyCommand = &cli.Command{
	Name:      "verify",
	Usage:     "recursively re-hash every blob one or more snapshot OIDs reference",
	ArgsUsage: "OID...",
	Action: func(c *cli.Context) error {
		if err := requireAuth(); err != nil {
			return err
		}
		if c.Args().Len() == 0 {
			return errors.New("verify: at least one OID is required")
		}

		ids := make([]oid.OID, 0, c.Args().Len())
		for _, arg := range c.Args().Slice() {
			id, err := oid.Parse(arg)
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			ids = append(ids, id)
		}

		vp := verify.New(current.repo, current.cache, verify.Flags{RetainMs: c.Int64("retain-ms")})
		result, failures := vp.Verify(c.Context, ids)

		log.Printf("rekkord: verify checked=%d valid=%d invalid=%d", result.Checked, result.Valid, result.Invalid)
		for _, f := range failures {
			log.Printf("rekkord: snapshot %s failed verification: %v", f.OID, f.Err)
		}
		if len(failures) > 0 {
			return fmt.Errorf("verify: %d snapshot(s) failed", len(failures))
		}
		return nil
	},
}

var tagsCommand = &cli.Command{
	Name:  "tags",
	Usage: "list the channel tags currently written to the repository",
	Action: func(c *cli.Context) error {
		if err := requireAuth(); err != nil {
			return err
		}
		tags, err := repository.ListTags(c.Context, current.st, current.repo.Keyset)
		if err != nil {
			return fmt.Errorf("tags: %w", err)
		}
		for _, t := range tags {
			fmt.Printf("%-20s %s\n", t.Name, t.OID)
		}
		return nil
	},
}

func requireAuth() error {
	if current.repo == nil {
		return errors.New("no --keyfile supplied (or authentication failed before the command ran)")
	}
	return nil
}
