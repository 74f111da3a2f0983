package workerrequest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/qserv/replica/pkg/checksum"
	"github.com/qserv/replica/pkg/locker"
	"github.com/qserv/replica/pkg/replica"
	"github.com/qserv/replica/pkg/table"
)

func (e *Engine) execute(ctx context.Context, req *Request) error {
	switch req.Type {
	case TypeReplicate:
		return e.executeReplicate(ctx, req)
	case TypeDelete:
		return e.executeDelete(ctx, req)
	case TypeFind:
		return e.executeFind(ctx, req)
	case TypeFindAll:
		return e.executeFindAll(ctx, req)
	case TypeEcho:
		req.Echo = req.EchoData
		return nil
	default:
		return fmt.Errorf("workerrequest: unknown request type %v", req.Type)
	}
}

// expectedFiles returns every on-disk file name a chunk must have across
// every partitioned table of database.
func (e *Engine) expectedFiles(ctx context.Context, database string, chunk uint32) ([]string, error) {
	tables, err := e.tables(ctx, database)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, t := range tables {
		if !t.Partitioned {
			continue
		}
		files = append(files, table.RequiredFiles(t.TableName, chunk)...)
	}
	return files, nil
}

func (e *Engine) dbDir(database string) string {
	return filepath.Join(e.cfg.DataDir, database)
}

// executeReplicate implements spec.md §4.5 REPLICATE: fetch every
// expected file of (database, chunk) from sourceWorker into a temporary
// path, then atomically rename each into place; the checksum is computed
// from the final files after the renames.
// Idempotent on retry: a second REPLICATE simply overwrites the same
// final paths.
func (e *Engine) executeReplicate(ctx context.Context, req *Request) error {
	key := locker.Key{Family: "fs:" + req.Database, Chunk: req.Chunk}
	owner := fmt.Sprintf("replicate-%d", req.ID)
	if !e.dirLock.Lock(key, owner) {
		return fmt.Errorf("workerrequest: chunk %d of %s is busy on this worker", req.Chunk, req.Database)
	}
	defer e.dirLock.ReleaseIfOwner(key, owner)

	dir := e.dbDir(req.Database)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fsErr(FSFolderStat, dir, err)
	}

	files, err := e.expectedFiles(ctx, req.Database, req.Chunk)
	if err != nil {
		return err
	}

	var copied []string
	cleanup := func() {
		for _, name := range copied {
			_ = os.Remove(filepath.Join(dir, name+".tmp"))
		}
	}

	for _, name := range files {
		finalPath := filepath.Join(dir, name)
		tmpPath := finalPath + ".tmp"

		f, err := os.Create(tmpPath)
		if err != nil {
			cleanup()
			return fsErr(FSFileCreate, tmpPath, err)
		}
		_, fetchErr := e.source.FetchFile(ctx, req.SourceWorker, req.Database, name, f)
		closeErr := f.Close()
		if fetchErr != nil {
			cleanup()
			return fsErr(FSFileCopy, name, fetchErr)
		}
		if closeErr != nil {
			cleanup()
			return fsErr(FSFileCreate, tmpPath, closeErr)
		}
		copied = append(copied, name)
	}

	for _, name := range copied {
		tmpPath := filepath.Join(dir, name+".tmp")
		finalPath := filepath.Join(dir, name)
		if err := os.Rename(tmpPath, finalPath); err != nil {
			cleanup()
			return fsErr(FSFileRename, finalPath, err)
		}
	}

	info, err := e.findLocal(ctx, req.Database, req.Chunk, true)
	if err != nil {
		return err
	}
	req.Result = info
	return nil
}

// executeDelete implements spec.md §4.5 DELETE: unlink every file of the
// chunk under the directory lock, tolerating files already absent.
func (e *Engine) executeDelete(ctx context.Context, req *Request) error {
	key := locker.Key{Family: "fs:" + req.Database, Chunk: req.Chunk}
	owner := fmt.Sprintf("delete-%d", req.ID)
	if !e.dirLock.Lock(key, owner) {
		return fmt.Errorf("workerrequest: chunk %d of %s is busy on this worker", req.Chunk, req.Database)
	}
	defer e.dirLock.ReleaseIfOwner(key, owner)

	files, err := e.expectedFiles(ctx, req.Database, req.Chunk)
	if err != nil {
		return err
	}
	dir := e.dbDir(req.Database)
	for _, name := range files {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fsErr(FSFileDelete, path, err)
		}
	}

	req.Result = replica.Info{
		Worker:     e.cfg.WorkerName,
		Database:   req.Database,
		Chunk:      req.Chunk,
		Status:     replica.NotFound,
		VerifyTime: time.Now().UTC(),
	}
	return nil
}

// executeFind implements spec.md §4.5 FIND.
func (e *Engine) executeFind(ctx context.Context, req *Request) error {
	info, err := e.findLocal(ctx, req.Database, req.Chunk, req.ComputeChecksum)
	if err != nil {
		return err
	}
	req.Result = info
	return nil
}

func (e *Engine) findLocal(ctx context.Context, database string, chunk uint32, computeChecksum bool) (replica.Info, error) {
	expected, err := e.expectedFiles(ctx, database, chunk)
	if err != nil {
		return replica.Info{}, err
	}
	dir := e.dbDir(database)

	var observed []replica.File
	for _, name := range expected {
		path := filepath.Join(dir, name)
		fi, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return replica.Info{}, fsErr(FSFileStat, path, err)
		}
		observed = append(observed, replica.File{
			Name:  name,
			Size:  fi.Size(),
			MTime: fi.ModTime().UTC(),
		})
	}

	status := replica.Classify(observed, expected)
	if computeChecksum && status != replica.NotFound {
		var names []string
		for _, f := range observed {
			names = append(names, f.Name)
		}
		sum, err := checksum.ChecksumFilesWithBlockSize(ctx, dir, names, e.blockSize())
		if err != nil {
			return replica.Info{}, fsErr(FSFileRead, dir, err)
		}
		for i := range observed {
			observed[i].Checksum = sum
		}
	}

	return replica.Info{
		Worker:     e.cfg.WorkerName,
		Chunk:      chunk,
		Database:   database,
		Status:     status,
		VerifyTime: time.Now().UTC(),
		Files:      observed,
	}, nil
}

func (e *Engine) blockSize() int {
	if e.cfg.ChecksumBlockSize > 0 {
		return e.cfg.ChecksumBlockSize
	}
	return checksum.DefaultBlockSize
}

// executeFindAll implements spec.md §4.5 FIND_ALL: enumerate every chunk
// file of database's partitioned tables under the data directory,
// grouped by chunk number, and report one replica.Info per chunk found.
func (e *Engine) executeFindAll(ctx context.Context, req *Request) error {
	tables, err := e.tables(ctx, req.Database)
	if err != nil {
		return err
	}
	partitioned := make(map[string]bool, len(tables))
	for _, t := range tables {
		if t.Partitioned {
			partitioned[t.TableName] = true
		}
	}

	dir := e.dbDir(req.Database)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			req.AllReplicas = nil
			return nil
		}
		return fsErr(FSFolderStat, dir, err)
	}

	chunks := make(map[uint32]struct{})
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		base := strings.TrimSuffix(ent.Name(), filepath.Ext(ent.Name()))
		tableName, chunk, ok := table.ParseChunkFileBase(base)
		if !ok || !partitioned[tableName] {
			continue
		}
		chunks[chunk] = struct{}{}
	}

	var out []replica.Info
	for chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := e.findLocal(ctx, req.Database, chunk, false)
		if err != nil {
			return err
		}
		out = append(out, info)
	}
	req.AllReplicas = out
	return nil
}
