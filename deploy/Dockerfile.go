FROM golang:1.24-alpine AS builder

# api or worker
ARG SERVICE=api

WORKDIR /app

# Dependencies
COPY go.mod go.sum ./
RUN go mod download

# Source
COPY . .

# Build
RUN CGO_ENABLED=0 GOOS=linux go build -o /app/service ./cmd/${SERVICE}

# Runtime
FROM alpine:3.19

RUN apk add --no-cache ca-certificates tzdata

WORKDIR /app

COPY --from=builder /app/service .
COPY --from=builder /app/migrations ./migrations

# API_PORT, WORKER_PORT serves /health and /metrics
EXPOSE 3000 3001

CMD ["./service"]
