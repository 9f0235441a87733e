package db

import (
	"context"
	"testing"
	"time"

	"feed_spider/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func mockMongo(mt *mtest.T) *MongoDB {
	return &MongoDB{
		client:   mt.Client,
		database: mt.DB,
		runLog:   mt.DB.Collection("scrape_log"),
		timeout:  time.Second,
	}
}

func TestMongoDB_Records(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("insert", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		err := mockMongo(mt).Records("finance_data").Insert(context.Background(), newRecord("10:00", "t", "b"))
		assert.NoError(mt, err)
	})

	mt.Run("duplicate key", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))
		err := mockMongo(mt).Records("finance_data").Insert(context.Background(), newRecord("10:00", "t", "b"))
		assert.ErrorIs(mt, err, ErrDuplicate)
	})

	mt.Run("exists", func(mt *mtest.T) {
		ns := mt.DB.Name() + ".finance_data"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{{Key: "n", Value: int32(1)}}))
		exists, err := mockMongo(mt).Records("finance_data").Exists(context.Background(), "10:00", "b")
		require.NoError(mt, err)
		assert.True(mt, exists)
	})

	mt.Run("not exists", func(mt *mtest.T) {
		ns := mt.DB.Name() + ".finance_data"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))
		exists, err := mockMongo(mt).Records("finance_data").Exists(context.Background(), "10:00", "b")
		require.NoError(mt, err)
		assert.False(mt, exists)
	})

	mt.Run("last run missing", func(mt *mtest.T) {
		ns := mt.DB.Name() + ".scrape_log"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))
		run, err := mockMongo(mt).LastRun(context.Background(), "sina")
		require.NoError(mt, err)
		assert.Nil(mt, run)
	})

	mt.Run("last run", func(mt *mtest.T) {
		ns := mt.DB.Name() + ".scrape_log"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "run-1"},
			{Key: "feed", Value: "sina"},
			{Key: "scraped_count", Value: int32(4)},
			{Key: "stop_reason", Value: string(models.StopCaughtUp)},
		}))
		run, err := mockMongo(mt).LastRun(context.Background(), "sina")
		require.NoError(mt, err)
		require.NotNil(mt, run)
		assert.Equal(mt, "run-1", run.ID)
		assert.Equal(mt, 4, run.ItemsScraped)
		assert.Equal(mt, models.StopCaughtUp, run.StopReason)
	})
}

func TestRecordFilter(t *testing.T) {
	f := recordFilter("2024-01-01 10:00:00", "body")
	assert.Equal(t, "2024-01-01 10:00:00", f["time"])
	assert.Equal(t, "body", f["content"])
}
