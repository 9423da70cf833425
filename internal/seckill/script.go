package seckill

import rd "github.com/redis/go-redis/v9"

// 准入脚本返回码。
const (
	codeAdmitted      = 0
	codeNoStock       = 1
	codeDuplicate     = 2
	codeReplay        = 3
	codeStockNotReady = 4
)

// admissionScript：一次往返内完成「库存校验 → 一人一单校验 → 扣减 → 记录用户 → 入流」。
// KEYS[1]=库存key KEYS[2]=已下单用户hash KEYS[3]=订单stream
// ARGV[1]=voucherId ARGV[2]=userId ARGV[3]=orderId
var admissionScript = rd.NewScript(`
local stock = redis.call('GET', KEYS[1])
if not stock then
  return 4
end

-- 同一用户已下单：同一个 orderId 视为客户端重试
local prev = redis.call('HGET', KEYS[2], ARGV[2])
if prev then
  if prev == ARGV[3] then
    return 3
  end
  return 2
end

if tonumber(stock) <= 0 then
  return 1
end

redis.call('INCRBY', KEYS[1], -1)
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('XADD', KEYS[3], '*', 'userId', ARGV[2], 'voucherId', ARGV[1], 'id', ARGV[3])
return 0
`)
