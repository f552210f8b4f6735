package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/triagedesk/slot-allocator/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	doctorIDs, err := seedDoctors(context.Background(), pool, 50)
	if err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 5000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedSlots(context.Background(), pool, doctorIDs, 14); err != nil {
		log.Fatalf("seed slots: %v", err)
	}

	log.Println("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d doctors", count)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("doctors seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return nil
}

// seedSlots creates a grid of hourly morning and afternoon slots per doctor
// for the next `days` days.
func seedSlots(ctx context.Context, pool *pgxpool.Pool, doctorIDs []uuid.UUID, days int) error {
	log.Printf("seeding slots for %d doctors over %d days", len(doctorIDs), days)

	hours := []int{9, 10, 11, 14, 15, 16}
	today := time.Now().Truncate(24 * time.Hour)

	for _, doctorID := range doctorIDs {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		capacity := gofakeit.Number(5, 10)

		for day := 1; day <= days; day++ {
			date := today.AddDate(0, 0, day)
			for _, hour := range hours {
				start := date.Add(time.Duration(hour) * time.Hour)
				end := start.Add(time.Hour)

				_, err := tx.Exec(ctx, `
					INSERT INTO slots (id, doctor_id, start_time, end_time, status, capacity, base_capacity, occupancy, created_at, updated_at)
					VALUES ($1, $2, $3, $4, 'open', $5, $5, 0, now(), now())
				`, uuid.New(), doctorID, start, end, capacity)
				if err != nil {
					_ = tx.Rollback(ctx)
					return err
				}
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	log.Println("slots seeded")
	return nil
}
