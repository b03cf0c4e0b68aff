package db

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proposal-tally/internal/models"
	"proposal-tally/internal/tally"
)

// Recorder mirrors each published tally into the tally_records table.
type Recorder struct {
	db *gorm.DB
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Record upserts one row per proposal and deletes rows of proposals that are no
// longer in the tally. The whole write is one transaction.
func (r *Recorder) Record(ctx context.Context, res tally.Result) error {
	records := make([]models.TallyRecord, 0, len(res.Entries))
	names := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		records = append(records, models.TallyRecord{
			Proposal:     e.Proposal,
			Title:        e.Title,
			BlockNum:     res.BlockNum,
			Total:        e.Total,
			ChoiceTotals: e.ByChoice,
			Voters:       e.Voters,
			Provisional:  e.Provisional,
			Pending:      strings.Join(e.Pending, ","),
		})
		names = append(names, e.Proposal)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(records) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "proposal"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"title", "block_num", "total", "choice_totals", "voters", "provisional", "pending", "updated_at",
				}),
			}).CreateInBatches(records, 500).Error
			if err != nil {
				return err
			}
		}
		del := tx.Where("1 = 1")
		if len(names) > 0 {
			del = tx.Where("proposal NOT IN ?", names)
		}
		return del.Delete(&models.TallyRecord{}).Error
	})
}
