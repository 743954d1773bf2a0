// 包 search 提供对公共即时问答搜索 API 的客户端封装：
// HTTP GET + 客户端限流 + 指数退避重试 + TTL 结果缓存
// （进程内 MemoryCache 或共享 RedisCache）。
package search
