package dal

import (
	"gorm.io/gen"
	"gorm.io/gorm"

	"github.com/utrading/utrading-trade-engine/internal/models"
)

// GenExecute 生成 gorm-gen 代码
// 命令使用: go run cmd/gen/main.go
func GenExecute(outPath string, db *gorm.DB) {
	g := gen.NewGenerator(gen.Config{
		OutPath: outPath,
		Mode:    gen.WithoutContext | gen.WithDefaultQuery | gen.WithQueryInterface,
	})

	g.UseDB(db)

	g.ApplyBasic(
		models.ExchangeConnection{},
		models.Bot{},
		models.Position{},
		models.Trade{},
		models.JobRun{},
		models.Activity{},
	)

	g.Execute()
}
