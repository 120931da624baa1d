package main

import (
	"fmt"

	storageeng "github.com/winops/wimcmd/engine/storage"
	storageengdiskv "github.com/winops/wimcmd/engine/storage/diskv"
	storageenginmem "github.com/winops/wimcmd/engine/storage/inmem"
	storageengmysql "github.com/winops/wimcmd/engine/storage/mysql"

	_ "github.com/go-sql-driver/mysql"
)

type storageConfig struct {
	engine storageeng.AllStorage
}

func parseStorage(name, dsn, _ string) (*storageConfig, error) {
	switch name {
	case "inmem":
		return &storageConfig{engine: storageenginmem.New()}, nil
	case "file", "diskv":
		if dsn == "" {
			dsn = "db"
		}
		return &storageConfig{engine: storageengdiskv.New(dsn)}, nil
	case "mysql":
		eng, err := storageengmysql.New(storageengmysql.WithDSN(dsn))
		if err != nil {
			return nil, err
		}
		return &storageConfig{engine: eng}, nil
	}
	return nil, fmt.Errorf("unknown storage: %s", name)
}
