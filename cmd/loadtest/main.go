package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/urfave/cli/v2"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

func main() {
	app := &cli.App{
		Name:  "loadtest",
		Usage: "concurrent COD checkouts against one product, then verify nothing was oversold",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base", Value: "http://localhost:8080", Usage: "server base url"},
			&cli.StringFlag{Name: "admin-token", Value: "dev-admin-token", Usage: "admin token"},
			&cli.Int64Flag{Name: "stock", Value: 10, Usage: "units imported before the test"},
			&cli.IntFlag{Name: "users", Value: 200, Usage: "distinct users, one unit each"},
			&cli.IntFlag{Name: "c", Value: 50, Usage: "max concurrency"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	baseURL := c.String("base")
	headers := map[string]string{"X-Admin-Token": c.String("admin-token")}
	client := &http.Client{Timeout: 10 * time.Second}

	// 1) 准备商品与库存
	var product struct {
		ID        uint   `json:"id"`
		SalePrice string `json:"sale_price"`
	}
	name := fmt.Sprintf("loadtest-%d", time.Now().Unix())
	if err := doJSON(client, http.MethodPost, baseURL+"/api/products", map[string]any{"name": name, "sale_price": "10000"}, headers, &product); err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	stock := c.Int64("stock")
	if err := doJSON(client, http.MethodPost, baseURL+"/api/inventory/import", map[string]any{
		"product_id": product.ID, "qty": stock, "unit_cost": "5000",
	}, headers, nil); err != nil {
		return fmt.Errorf("import stock: %w", err)
	}
	fmt.Printf("product=%d stock=%d\n", product.ID, stock)

	// 2) 不同用户并发下单，每人 1 件
	users, concurrency := c.Int("users"), c.Int("c")
	fmt.Printf("start oversell test: users=%d concurrency=%d\n", users, concurrency)
	start := time.Now()
	results := runCheckout(client, baseURL, product.ID, users, concurrency)
	fmt.Printf("done in %s\n", time.Since(start).Round(time.Millisecond))
	printSummary("checkout", results)

	// 3) 校验：成功单数 + 剩余库存 == 初始库存
	var inv struct {
		Available int64 `json:"available"`
	}
	if err := doJSON(client, http.MethodGet, fmt.Sprintf("%s/api/inventory/%d", baseURL, product.ID), nil, headers, &inv); err != nil {
		return fmt.Errorf("read inventory: %w", err)
	}
	var sold int64
	for _, r := range results {
		if r.Err == nil && r.Status == http.StatusOK {
			sold++
		}
	}
	fmt.Printf("sold=%d remaining=%d\n", sold, inv.Available)
	if inv.Available < 0 || sold+inv.Available != stock {
		return fmt.Errorf("oversell detected: sold %d + remaining %d != stock %d", sold, inv.Available, stock)
	}
	fmt.Println("no oversell")
	return nil
}

func runCheckout(client *http.Client, baseURL string, productID uint, users, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, users)

	for i := 0; i < users; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = checkoutOnce(client, baseURL, productID, uint(idx+1))
		}(i)
	}

	wg.Wait()
	return results
}

func checkoutOnce(client *http.Client, baseURL string, productID, userID uint) Result {
	body, _ := json.Marshal(map[string]any{
		"contact": map[string]string{
			"name":    "Load Test",
			"email":   fmt.Sprintf("user%d@loadtest.local", userID),
			"phone":   "0900000000",
			"address": "1 Load St",
		},
		"lines":          []map[string]any{{"product_id": productID, "qty": 1, "price": "10000"}},
		"payment_method": "cod",
	})
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/checkout", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", strconv.FormatUint(uint64(userID), 10))

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(b)}
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	codes := make([]int, 0, len(count))
	for code := range count {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range codes {
		fmt.Printf("  %d -> %d\n", code, count[code])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// doJSON 发送请求并解析 {"code":0,"data":...} 中的 data。
func doJSON(client *http.Client, method, url string, body any, headers map[string]string, out any) error {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return err
	}
	return json.Unmarshal(envelope.Data, out)
}
